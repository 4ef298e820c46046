// Package ice implements the ICE (RFC 5245) connectivity establishment
// engine: candidate and pair construction, check list scheduling and the
// STUN binding-check state machine that drives a media session to a
// selected transport path.
package ice

import (
	"fmt"

	"github.com/pkg/errors"
)

// Role is the role played by an agent in an ICE session, per RFC 5245 §3.
type Role byte

const (
	// Controlling agents nominate the candidate pair that will be used.
	Controlling Role = iota
	// Controlled agents wait for the controlling agent's nomination.
	Controlled
)

func (r Role) String() string {
	if r == Controlling {
		return "controlling"
	}
	return "controlled"
}

// CandidateType identifies how a candidate was obtained, per RFC 5245 §4.1.1.
type CandidateType byte

const (
	// Host is a candidate obtained directly from a local interface.
	Host CandidateType = iota
	// ServerReflexive is a candidate learned from a STUN server's mapped address.
	ServerReflexive
	// PeerReflexive is a candidate learned from a connectivity check's mapped address.
	PeerReflexive
	// Relayed is a candidate allocated on a TURN relay.
	Relayed
)

var candidateTypeName = map[CandidateType]string{
	Host:            "host",
	ServerReflexive: "srflx",
	PeerReflexive:   "prflx",
	Relayed:         "relay",
}

func (t CandidateType) String() string {
	if s, ok := candidateTypeName[t]; ok {
		return s
	}
	return "unknown"
}

// typePreference implements the type preference term of the priority
// formula in RFC 5245 §4.1.2.1. Values are taken directly from the RFC's
// recommended defaults.
func (t CandidateType) typePreference() int {
	switch t {
	case Host:
		return 126
	case PeerReflexive:
		return 110
	case ServerReflexive:
		return 100
	case Relayed:
		return 0
	default:
		return 0
	}
}

// ParseCandidateType maps the wire strings used in SDP and in this
// package's exported constructors ("host", "srflx", "prflx", "relay") to a
// CandidateType.
func ParseCandidateType(s string) (CandidateType, error) {
	switch s {
	case "host":
		return Host, nil
	case "srflx":
		return ServerReflexive, nil
	case "prflx":
		return PeerReflexive, nil
	case "relay":
		return Relayed, nil
	default:
		return 0, errors.Errorf("unknown candidate type %q", s)
	}
}

// Addr is a transport address: an opaque IP-literal string and a port.
// The engine never resolves or canonicalizes it; two addresses are equal
// iff their string/port pairs are equal.
type Addr struct {
	IP   string
	Port int
}

func (a Addr) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// Equal reports whether two addresses denote the same transport endpoint.
func (a Addr) Equal(b Addr) bool { return a.IP == b.IP && a.Port == b.Port }

// Candidate is a transport address that might be used to receive media,
// per RFC 5245 §4.1.1. A candidate's Base points at the candidate it was
// derived from; Host candidates are their own base.
type Candidate struct {
	Foundation  string
	Addr        Addr
	Type        CandidateType
	Priority    uint32
	ComponentID int
	Base        *Candidate
	IsDefault   bool

	// localPref is retained so that further candidates of the same type
	// added to the owning check list get a lower local preference; the
	// Priority of an existing candidate is not recomputed.
	localPref int
}

// NewCandidate constructs a standalone candidate that is its own base, with
// the default local preference and the priority that follows from it.
// CheckList.AddLocalCandidate does not accept a Candidate built here; it
// constructs its own and assigns the unique local preference itself.
func NewCandidate(typ CandidateType, addr Addr, componentID int) *Candidate {
	c := &Candidate{
		Addr:        addr,
		Type:        typ,
		ComponentID: componentID,
		localPref:   defaultLocalPreference,
	}
	c.Base = c
	c.Priority = Priority(typ, c.localPref, componentID)
	return c
}

// Equal reports whether two candidates share the tuple RFC 5245 uses to
// detect redundant candidates: type, base address and transport address.
func (c *Candidate) Equal(o *Candidate) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Type == o.Type && c.Addr.Equal(o.Addr) && c.Base.Addr.Equal(o.Base.Addr) && c.ComponentID == o.ComponentID
}

const defaultLocalPreference = 65535

// Priority computes the RFC 5245 §4.1.2.1 candidate priority:
//
//	priority = (2^24)*type_pref + (2^8)*local_pref + (2^0)*(256 - component_id)
func Priority(typ CandidateType, localPref, componentID int) uint32 {
	return uint32(typ.typePreference())<<24 | uint32(localPref&0xffff)<<8 | uint32(256-componentID)&0xff
}
