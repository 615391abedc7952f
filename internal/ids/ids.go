// Package ids defines the identifiers, ballots, pvalues, servers and
// configurations shared across the consensus and replication engine.
package ids

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ServerId, ClusterId and VersionId are opaque 64-bit unsigned values
// with equality and total order. They are never interpreted beyond
// comparison.
type ServerId uint64

func (s ServerId) String() string { return fmt.Sprintf("server(%d)", uint64(s)) }

type ClusterId uint64

func (c ClusterId) String() string { return fmt.Sprintf("cluster(%d)", uint64(c)) }

type VersionId uint64

// NewServerId derives a ServerId from a random UUID, following the
// teacher's practice of seeding node identity from a UUID generator
// rather than hashing hostnames or PIDs.
func NewServerId() ServerId {
	return ServerId(randomUint64())
}

// NewClusterId derives a fresh ClusterId the same way; the cluster id
// never changes for the life of a cluster (spec.md §3).
func NewClusterId() ClusterId {
	return ClusterId(randomUint64())
}

func randomUint64() uint64 {
	id := uuid.New()
	b := id[:]
	// fold the 16 uuid bytes into 8 so the result still looks like a
	// plain random 64-bit id on the wire, not a truncated uuid.
	var folded [8]byte
	for i := 0; i < 16; i++ {
		folded[i%8] ^= b[i]
	}
	return binary.BigEndian.Uint64(folded[:])
}

// Server is a single configuration member: an id paired with the
// address other servers use to reach it.
type Server struct {
	Id      ServerId
	BindAddr string
}

func (s Server) Equal(o Server) bool {
	return s.Id == o.Id && s.BindAddr == o.BindAddr
}

// Ballot is (number, leader), compared lexicographically. The zero
// ballot (0, 0) means "none".
type Ballot struct {
	Number uint64
	Leader ServerId
}

// Zero is the distinguished "no ballot" value.
var Zero = Ballot{}

func (b Ballot) IsZero() bool { return b.Number == 0 && b.Leader == 0 }

// Less reports whether b sorts strictly before o under
// lexicographic order on (number, leader).
func (b Ballot) Less(o Ballot) bool {
	if b.Number != o.Number {
		return b.Number < o.Number
	}
	return b.Leader < o.Leader
}

// LessOrEqual reports b <= o.
func (b Ballot) LessOrEqual(o Ballot) bool {
	return !o.Less(b)
}

func (b Ballot) String() string {
	return fmt.Sprintf("ballot(%d,%d)", b.Number, uint64(b.Leader))
}

// Successor returns the smallest ballot strictly greater than b that
// is attributable to leader us: (b.Number+1, us). Scouts always start
// a new ballot this way (spec.md §4.2).
func (b Ballot) Successor(us ServerId) Ballot {
	return Ballot{Number: b.Number + 1, Leader: us}
}

// PValue is a proposed (ballot, slot, command) triple, the unit
// accepted by acceptors. Two pvalues with equal slot but different
// ballots are in conflict; the higher ballot wins.
type PValue struct {
	Ballot  Ballot
	Slot    uint64
	Command []byte
}

// Conflicts reports whether p and o name the same slot with
// different ballots.
func (p PValue) Conflicts(o PValue) bool {
	return p.Slot == o.Slot && p.Ballot != o.Ballot
}

// Equal is used for dedup of pvalues collected across acceptors
// (ballot, slot, command must all match).
func (p PValue) Equal(o PValue) bool {
	return p.Ballot == o.Ballot && p.Slot == o.Slot && string(p.Command) == string(o.Command)
}

// Configuration is the ordered set of servers participating in a
// given slot range: (cluster, version, first_slot, servers).
type Configuration struct {
	Cluster   ClusterId
	Version   VersionId
	FirstSlot uint64
	Servers   []Server
}

// Validate enforces the invariants of spec.md §3: servers non-empty,
// no duplicate id or bind_addr.
func (c Configuration) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("configuration: servers must be non-empty")
	}
	seenId := make(map[ServerId]bool, len(c.Servers))
	seenAddr := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if seenId[s.Id] {
			return fmt.Errorf("configuration: duplicate server id %v", s.Id)
		}
		if seenAddr[s.BindAddr] {
			return fmt.Errorf("configuration: duplicate bind_addr %v", s.BindAddr)
		}
		seenId[s.Id] = true
		seenAddr[s.BindAddr] = true
	}
	return nil
}

// Contains reports whether a server with the given id or bind address
// is already a member, used by ServerBecomeMember to decide whether a
// successor configuration is needed.
func (c Configuration) Contains(s Server) bool {
	for _, existing := range c.Servers {
		if existing.Id == s.Id || existing.BindAddr == s.BindAddr {
			return true
		}
	}
	return false
}

// IndexOf returns the position of id within Servers, or -1. Used by
// the server loop's exponential-backoff scout-start delay, which is
// keyed to a server's index in the configuration.
func (c Configuration) IndexOf(id ServerId) int {
	for i, s := range c.Servers {
		if s.Id == id {
			return i
		}
	}
	return -1
}

// Successor validates that next is a legal follow-on configuration:
// strictly increasing version and first_slot, and differs from c by
// the addition or removal of exactly one server (Testable Properties,
// "Configuration monotonicity").
func (c Configuration) Successor(next Configuration) error {
	if next.Cluster != c.Cluster {
		return fmt.Errorf("configuration: cluster jump %v -> %v", c.Cluster, next.Cluster)
	}
	if next.Version <= c.Version {
		return fmt.Errorf("configuration: version must strictly increase (%v -> %v)", c.Version, next.Version)
	}
	if next.FirstSlot <= c.FirstSlot {
		return fmt.Errorf("configuration: first_slot must strictly increase (%v -> %v)", c.FirstSlot, next.FirstSlot)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	diff := symmetricDifference(c.Servers, next.Servers)
	if len(diff) != 1 {
		return fmt.Errorf("configuration: successor must add or remove exactly one server, got %d changes", len(diff))
	}
	return nil
}

func symmetricDifference(a, b []Server) []Server {
	inA := make(map[ServerId]Server, len(a))
	for _, s := range a {
		inA[s.Id] = s
	}
	inB := make(map[ServerId]Server, len(b))
	for _, s := range b {
		inB[s.Id] = s
	}
	var diff []Server
	for id, s := range inA {
		if _, ok := inB[id]; !ok {
			diff = append(diff, s)
		}
	}
	for id, s := range inB {
		if _, ok := inA[id]; !ok {
			diff = append(diff, s)
		}
	}
	return diff
}

// Quorum returns the majority size for a set of n participants.
func Quorum(n int) int {
	return n/2 + 1
}

// RandomToken returns a random 64-bit value, used for nonce-sequence
// tokens and debug correlation ids where cryptographic strength isn't
// required but collisions should be implausible.
func RandomToken() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return randomUint64()
	}
	return binary.BigEndian.Uint64(b[:])
}
