package ice

import "github.com/gortc/stun"

// PairState is the state of a candidate pair, per RFC 5245 §5.7.4.
type PairState byte

const (
	// Frozen pairs are not yet eligible to be checked.
	Frozen PairState = iota
	// Waiting pairs are eligible and have not yet been checked.
	Waiting
	// InProgress pairs have an outstanding connectivity check.
	InProgress
	// Succeeded pairs had their connectivity check succeed.
	Succeeded
	// Failed pairs exhausted their retransmissions or received an error response.
	Failed
)

func (s PairState) String() string {
	switch s {
	case Frozen:
		return "frozen"
	case Waiting:
		return "waiting"
	case InProgress:
		return "in-progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// PairFoundation is the grouping key used by the unfreezing rule of
// RFC 5245 §7.1.3.2.3: pairs sharing a PairFoundation are unfrozen together.
type PairFoundation struct {
	Local  string
	Remote string
}

// CandidatePair is a (local, remote) candidate tuple considered for
// connectivity checking, per RFC 5245 §5.7.
type CandidatePair struct {
	Local  *Candidate
	Remote *Candidate
	State  PairState

	Priority uint64

	// lastRequest is the exact Binding Request last sent for this pair.
	// Retransmissions of the plain timeout kind resend lastRequest.Raw
	// verbatim, preserving its transaction id; triggered resends build a
	// fresh message, giving it a new one.
	lastRequest     *stun.Message
	txTimeMS        int64
	rtoMS           int64
	retransmissions int
	roleAtSend      Role
	waitTimeout     bool

	// nominating records that the controlling agent has chosen this pair
	// to nominate and its next check should carry USE-CANDIDATE; it is
	// intent, set before the check is sent. IsNominated is the confirmed
	// result, set only once a success response to that check arrives.
	nominating bool

	// remoteNominated records that the peer's Binding Request for this
	// pair carried USE-CANDIDATE before our own check completed; the valid
	// pair is marked nominated once that check's response arrives.
	remoteNominated bool

	IsDefault   bool
	IsNominated bool

	// RTTMS is the round-trip time, in milliseconds, of the connectivity
	// check that most recently succeeded on this pair.
	RTTMS int64
}

// Foundation is the concatenation of the local and remote candidate
// foundations, used to key the foundation-group table.
func (p *CandidatePair) Foundation() PairFoundation {
	return PairFoundation{Local: p.Local.Foundation, Remote: p.Remote.Foundation}
}

// PairPriority computes the RFC 5245 §5.7.2 candidate pair priority given
// the controlling and controlled agent's candidate priorities:
//
//	priority = 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D ? 1 : 0)
func PairPriority(controlling, controlled uint32) uint64 {
	g, d := uint64(controlling), uint64(controlled)
	min, max := g, d
	if d < g {
		min, max = d, g
	}
	priority := (uint64(1)<<32)*min + 2*max
	if g > d {
		priority++
	}
	return priority
}

// computePriority recomputes Priority for the pair given which candidate
// plays the controlling role for this session.
func (p *CandidatePair) computePriority(role Role) {
	if role == Controlling {
		p.Priority = PairPriority(p.Local.Priority, p.Remote.Priority)
	} else {
		p.Priority = PairPriority(p.Remote.Priority, p.Local.Priority)
	}
}

// Pairs implements sort.Interface ordering by descending priority, the
// ordering required for check list selection (RFC 5245 §5.8) and pruning.
type Pairs []*CandidatePair

func (p Pairs) Len() int      { return len(p) }
func (p Pairs) Swap(i, j int) { p[i], p[j] = p[j], p[i] }
func (p Pairs) Less(i, j int) bool {
	return p[i].Priority > p[j].Priority
}
