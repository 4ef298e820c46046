package ice

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CheckListState is the global state of a check list, per RFC 5245 §5.7.4.
type CheckListState byte

const (
	// Running check lists still have checks to perform.
	Running CheckListState = iota
	// Completed check lists have a nominated pair for every component.
	Completed
	// ChecklistFailed check lists have no path left to a nominated pair.
	ChecklistFailed
)

func (s CheckListState) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case ChecklistFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ValidPair is an entry of the valid list (RFC 5245 §7.1.3.2.3): a pair
// confirmed usable by a successful connectivity check, plus the check
// list pair that generated it (which may be the valid pair itself, or a
// pair discovered through peer-reflexive candidate discovery).
type ValidPair struct {
	Valid         *CandidatePair
	GeneratedFrom *CandidatePair
}

// SuccessFunc is invoked once a check list reaches Completed.
type SuccessFunc func(stream interface{}, cl *CheckList)

// CheckList drives connectivity checks for the candidates of a single
// media stream. It is not safe for concurrent use: the owning Session
// serializes ticks and packet ingress.
type CheckList struct {
	session *Session
	log     *zap.Logger

	remoteUfrag string
	remotePwd   string

	localCandidates  []*Candidate
	remoteCandidates []*Candidate

	pairs      Pairs
	checkOrder Pairs
	triggered  []*CandidatePair
	validList  []*ValidPair

	foundationGroups map[PairFoundation]bool
	componentIDs     map[int]bool

	state CheckListState

	taTimeMS        int64
	keepaliveTimeMS int64

	localFoundations  *foundationGenerator
	remoteFoundations *foundationGenerator

	onSuccess SuccessFunc
	stream    interface{}
}

// NewCheckList allocates a new, empty check list. It must be attached to a
// session with Session.AddCheckList before use.
func NewCheckList(log *zap.Logger) *CheckList {
	if log == nil {
		log = zap.NewNop()
	}
	return &CheckList{
		log:               log,
		foundationGroups:  make(map[PairFoundation]bool),
		componentIDs:      make(map[int]bool),
		localFoundations:  newFoundationGenerator(),
		remoteFoundations: newFoundationGenerator(),
	}
}

// RegisterSuccessCallback sets the function invoked when the check list
// completes, along with the opaque stream value passed back to it.
func (cl *CheckList) RegisterSuccessCallback(stream interface{}, cb SuccessFunc) {
	cl.stream = stream
	cl.onSuccess = cb
}

// SetRemoteCredentials sets the remote username fragment and password once
// received out of band (typically via SDP).
func (cl *CheckList) SetRemoteCredentials(ufrag, pwd string) {
	cl.remoteUfrag = ufrag
	cl.remotePwd = pwd
}

// RemoteUfrag returns the remote username fragment.
func (cl *CheckList) RemoteUfrag() string { return cl.remoteUfrag }

// RemotePwd returns the remote password.
func (cl *CheckList) RemotePwd() string { return cl.remotePwd }

// State returns the check list's current state.
func (cl *CheckList) State() CheckListState { return cl.state }

// DefaultLocalCandidate returns the local candidate marked default, or nil
// if none has been chosen yet (Session.ChooseDefaultCandidates must run
// first).
func (cl *CheckList) DefaultLocalCandidate() *Candidate {
	for _, c := range cl.localCandidates {
		if c.IsDefault {
			return c
		}
	}
	return nil
}

// AddLocalCandidate adds a local candidate, rejecting exact duplicates
// (same type, base address, transport address and component). base may be
// nil, meaning the candidate is its own base (the Host case); it is
// otherwise a candidate already present in this check list.
func (cl *CheckList) AddLocalCandidate(typ CandidateType, addr Addr, componentID int, base *Candidate) (*Candidate, error) {
	if componentID < 1 || componentID > 256 {
		return nil, errBadComponentID
	}
	c := &Candidate{
		Addr:        addr,
		Type:        typ,
		ComponentID: componentID,
		localPref:   defaultLocalPreference,
	}
	if base != nil {
		c.Base = base
	} else {
		c.Base = c
	}
	for _, existing := range cl.localCandidates {
		if existing.Equal(c) {
			return nil, errDuplicateCandidate
		}
		if existing.Type == typ && existing.localPref <= c.localPref {
			c.localPref = existing.localPref - 1
		}
	}
	c.Priority = Priority(typ, c.localPref, componentID)
	cl.localCandidates = append(cl.localCandidates, c)
	cl.componentIDs[componentID] = true
	return c, nil
}

// AddRemoteCandidate adds a remote candidate learned via SDP, with a
// priority and foundation supplied by the peer.
func (cl *CheckList) AddRemoteCandidate(typ CandidateType, addr Addr, componentID int, priority uint32, foundation string) (*Candidate, error) {
	if componentID < 1 || componentID > 256 {
		return nil, errBadComponentID
	}
	c := &Candidate{
		Addr:        addr,
		Type:        typ,
		ComponentID: componentID,
		Priority:    priority,
		Foundation:  foundation,
	}
	c.Base = c
	for _, existing := range cl.remoteCandidates {
		if existing.Equal(c) {
			return nil, errDuplicateCandidate
		}
	}
	cl.remoteCandidates = append(cl.remoteCandidates, c)
	cl.componentIDs[componentID] = true
	return c, nil
}

// addSyntheticRemoteCandidate inserts a remote peer-reflexive candidate
// discovered from an incoming Binding Request (RFC 5245 §7.2.1.3), minting
// a foundation unique among this check list's remote candidates.
func (cl *CheckList) addSyntheticRemoteCandidate(addr Addr, componentID int, priority uint32) *Candidate {
	c := &Candidate{
		Addr:        addr,
		Type:        PeerReflexive,
		ComponentID: componentID,
		Priority:    priority,
		Foundation:  cl.remoteFoundations.foundationFor(PeerReflexive, addr.IP, ""),
	}
	c.Base = c
	cl.remoteCandidates = append(cl.remoteCandidates, c)
	return c
}

// addSyntheticLocalCandidate inserts a local peer-reflexive candidate
// discovered from a Binding Response's XOR-MAPPED-ADDRESS (RFC 5245 §7.1.3.2.1).
func (cl *CheckList) addSyntheticLocalCandidate(base *Candidate, addr Addr, componentID int, priority uint32) *Candidate {
	c := &Candidate{
		Addr:        addr,
		Type:        PeerReflexive,
		ComponentID: componentID,
		Priority:    priority,
		Base:        base,
		Foundation:  cl.localFoundations.foundationFor(PeerReflexive, base.Addr.IP, ""),
	}
	cl.localCandidates = append(cl.localCandidates, c)
	return c
}

// findRemoteByAddr returns the remote candidate with the given address and
// component, or nil.
func (cl *CheckList) findRemoteByAddr(addr Addr, componentID int) *Candidate {
	for _, c := range cl.remoteCandidates {
		if c.ComponentID == componentID && c.Addr.Equal(addr) {
			return c
		}
	}
	return nil
}

// findPair returns the pair for the given bases, or nil.
func (cl *CheckList) findPair(local, remote *Candidate) *CandidatePair {
	for _, p := range cl.pairs {
		if p.Local == local && p.Remote == remote {
			return p
		}
	}
	return nil
}

// pairCandidates forms the cross product of local bases and remote
// candidates per component ID and address family, deduplicates, sorts by descending priority,
// caps the list to maxPairs and applies the initial freeze per RFC 5245
// §5.7.3/§5.7.4. It is invoked by Session.PairCandidates once gathering and
// foundation computation have finished.
func (cl *CheckList) pairCandidates(role Role, maxPairs int) {
	cl.pairs = cl.pairs[:0]
	seen := make(map[[2]string]bool)
	for _, rc := range cl.remoteCandidates {
		for _, lc := range cl.localCandidates {
			if lc.ComponentID != rc.ComponentID {
				continue
			}
			if (parseIP(lc.Addr.IP).To4() != nil) != (parseIP(rc.Addr.IP).To4() != nil) {
				continue // different address families never pair
			}
			// RFC 5245 §5.7.3: a server-reflexive local candidate is
			// replaced with its base for pairing purposes.
			base := lc
			if lc.Type == ServerReflexive {
				base = lc.Base
			}
			key := [2]string{base.Addr.String(), rc.Addr.String()}
			if seen[key] {
				continue
			}
			seen[key] = true
			p := &CandidatePair{Local: base, Remote: rc, State: Frozen}
			p.computePriority(role)
			cl.pairs = append(cl.pairs, p)
		}
	}
	sort.Sort(cl.pairs)
	if maxPairs > 0 && len(cl.pairs) > maxPairs {
		cl.pairs = cl.pairs[:maxPairs]
	}
	cl.freezeByFoundation()
	cl.checkOrder = append(Pairs(nil), cl.pairs...)
}

// freezeByFoundation groups pairs by PairFoundation and, within each group,
// leaves the highest-priority pair Waiting while the rest stay Frozen, per
// RFC 5245 §5.7.4.
func (cl *CheckList) freezeByFoundation() {
	seen := make(map[PairFoundation]bool)
	for _, p := range cl.pairs {
		f := p.Foundation()
		cl.foundationGroups[f] = true
		if seen[f] {
			p.State = Frozen
			continue
		}
		seen[f] = true
		p.State = Waiting
	}
}

// unfreezeFoundation moves every Frozen pair sharing f to Waiting, the
// unfreezing rule of RFC 5245 §7.1.3.2.3 triggered when a pair of that
// foundation succeeds in another check list.
func (cl *CheckList) unfreezeFoundation(f PairFoundation) {
	for _, p := range cl.pairs {
		if p.State == Frozen && p.Foundation() == f {
			p.State = Waiting
		}
	}
}

// nextCheck selects the pair to probe on this tick: the head of the
// triggered-check queue if non-empty, else the highest-priority Waiting
// pair, else the highest-priority Frozen pair. It returns nil if nothing is
// eligible.
func (cl *CheckList) nextCheck() *CandidatePair {
	for len(cl.triggered) > 0 {
		p := cl.triggered[0]
		cl.triggered = cl.triggered[1:]
		if p.State == Failed {
			continue
		}
		return p
	}
	var best *CandidatePair
	for _, p := range cl.checkOrder {
		if p.State == Waiting {
			if best == nil || p.Priority > best.Priority {
				best = p
			}
		}
	}
	if best != nil {
		return best
	}
	for _, p := range cl.checkOrder {
		if p.State == Frozen {
			if best == nil || p.Priority > best.Priority {
				best = p
			}
		}
	}
	return best
}

// enqueueTriggered pushes a pair to the head of the triggered-check queue
// and marks it to use a fresh transaction id on its next send, per
// RFC 5245 §7.2.1.4.
func (cl *CheckList) enqueueTriggered(p *CandidatePair) {
	for i, q := range cl.triggered {
		if q == p {
			cl.triggered = append(cl.triggered[:i], cl.triggered[i+1:]...)
			break
		}
	}
	p.waitTimeout = true
	cl.triggered = append([]*CandidatePair{p}, cl.triggered...)
}

// addValidPair appends an entry to the valid list, or returns the existing
// entry for valid if a connectivity check on it has already succeeded once
// before (e.g. a retransmitted nominating check confirming the same pair).
func (cl *CheckList) addValidPair(valid, generatedFrom *CandidatePair) *ValidPair {
	for _, vp := range cl.validList {
		if vp.Valid == valid {
			vp.GeneratedFrom = generatedFrom
			return vp
		}
	}
	vp := &ValidPair{Valid: valid, GeneratedFrom: generatedFrom}
	cl.validList = append(cl.validList, vp)
	return vp
}

// nominatedPairForComponent returns the nominated valid pair for a component,
// or nil.
func (cl *CheckList) nominatedPairForComponent(componentID int) *CandidatePair {
	for _, vp := range cl.validList {
		if vp.Valid.Remote.ComponentID == componentID && vp.Valid.IsNominated {
			return vp.Valid
		}
	}
	return nil
}

// bestValidPairForComponent returns the highest-priority valid (not
// necessarily nominated) pair for a component, or nil.
func (cl *CheckList) bestValidPairForComponent(componentID int) *CandidatePair {
	var best *CandidatePair
	for _, vp := range cl.validList {
		if vp.Valid.Remote.ComponentID != componentID {
			continue
		}
		if best == nil || vp.Valid.Priority > best.Priority {
			best = vp.Valid
		}
	}
	return best
}

// updateState recomputes the check list's state per RFC 5245 §7.1.3.3 /
// §8.1.2 and returns true if it just transitioned into Completed.
func (cl *CheckList) updateState() bool {
	if cl.state != Running {
		return false
	}
	if len(cl.componentIDs) == 0 {
		cl.state = ChecklistFailed
		return false
	}
	completed := true
	for comp := range cl.componentIDs {
		if cl.nominatedPairForComponent(comp) == nil {
			completed = false
			break
		}
	}
	if completed {
		cl.state = Completed
		return true
	}
	// A Succeeded pair that is not yet nominated is still live: it remains
	// a nomination candidate (for a controlling agent) or is simply
	// awaiting the peer's nomination (for a controlled agent). Only once
	// every pair has definitively Failed is the check list a dead end.
	anyLive := false
	for _, p := range cl.pairs {
		switch p.State {
		case Waiting, Frozen, InProgress, Succeeded:
			anyLive = true
		}
	}
	if !anyLive {
		cl.state = ChecklistFailed
	}
	return false
}

// GetRemoteAddrAndPortsFromValidPairs returns the nominated remote host
// address and the RTP (component 1) and RTCP (component 2) ports to use
// once the check list has completed successfully.
func (cl *CheckList) GetRemoteAddrAndPortsFromValidPairs() (addr string, rtpPort, rtcpPort int, err error) {
	rtp := cl.nominatedPairForComponent(1)
	if rtp == nil {
		return "", 0, 0, errors.New("ice: no nominated pair for component 1")
	}
	addr = rtp.Remote.Addr.IP
	rtpPort = rtp.Remote.Addr.Port
	if rtcp := cl.nominatedPairForComponent(2); rtcp != nil {
		rtcpPort = rtcp.Remote.Addr.Port
	}
	return addr, rtpPort, rtcpPort, nil
}
