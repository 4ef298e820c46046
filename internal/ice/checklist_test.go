package ice

import (
	"testing"

	"go.uber.org/zap"
)

func newTestCheckList(t *testing.T) *CheckList {
	t.Helper()
	return NewCheckList(zap.NewNop())
}

func TestCheckList_AddLocalCandidate_Dedup(t *testing.T) {
	cl := newTestCheckList(t)
	addr := Addr{IP: "192.0.2.1", Port: 5000}
	if _, err := cl.AddLocalCandidate(Host, addr, 1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.AddLocalCandidate(Host, addr, 1, nil); err != errDuplicateCandidate {
		t.Errorf("expected errDuplicateCandidate, got %v", err)
	}
}

func TestCheckList_AddLocalCandidate_DecrementsLocalPref(t *testing.T) {
	cl := newTestCheckList(t)
	first, err := cl.AddLocalCandidate(Host, Addr{IP: "192.0.2.1", Port: 5000}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := cl.AddLocalCandidate(Host, Addr{IP: "192.0.2.2", Port: 5000}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Priority >= first.Priority {
		t.Errorf("expected second host candidate to have a lower priority than the first, got %d >= %d", second.Priority, first.Priority)
	}
}

func TestCheckList_AddCandidate_RejectsBadComponentID(t *testing.T) {
	cl := newTestCheckList(t)
	for _, id := range []int{0, -1, 257} {
		if _, err := cl.AddLocalCandidate(Host, Addr{IP: "192.0.2.1", Port: 5000}, id, nil); err != errBadComponentID {
			t.Errorf("AddLocalCandidate(component=%d): expected errBadComponentID, got %v", id, err)
		}
		if _, err := cl.AddRemoteCandidate(Host, Addr{IP: "203.0.113.1", Port: 6000}, id, 1000, "R1"); err != errBadComponentID {
			t.Errorf("AddRemoteCandidate(component=%d): expected errBadComponentID, got %v", id, err)
		}
	}
}

func TestCheckList_AddRemoteCandidate_Dedup(t *testing.T) {
	cl := newTestCheckList(t)
	addr := Addr{IP: "203.0.113.1", Port: 6000}
	if _, err := cl.AddRemoteCandidate(Host, addr, 1, 1000, "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.AddRemoteCandidate(Host, addr, 1, 1000, "1"); err != errDuplicateCandidate {
		t.Errorf("expected errDuplicateCandidate, got %v", err)
	}
}

func TestCheckList_PairCandidates_CrossProductByComponent(t *testing.T) {
	cl := newTestCheckList(t)
	l1, _ := cl.AddLocalCandidate(Host, Addr{IP: "192.0.2.1", Port: 5000}, 1, nil)
	l1.Foundation = "L1"
	l2, _ := cl.AddLocalCandidate(Host, Addr{IP: "192.0.2.1", Port: 5001}, 2, nil)
	l2.Foundation = "L2"
	r1, _ := cl.AddRemoteCandidate(Host, Addr{IP: "203.0.113.1", Port: 6000}, 1, 1000, "R1")
	r2, _ := cl.AddRemoteCandidate(Host, Addr{IP: "203.0.113.1", Port: 6001}, 2, 1000, "R2")

	cl.pairCandidates(Controlling, 0)

	if len(cl.pairs) != 2 {
		t.Fatalf("expected 2 pairs (one per component), got %d", len(cl.pairs))
	}
	for _, p := range cl.pairs {
		if p.Local.ComponentID != p.Remote.ComponentID {
			t.Errorf("paired candidates across mismatched components: local=%d remote=%d", p.Local.ComponentID, p.Remote.ComponentID)
		}
	}
	_ = l1
	_ = l2
	_ = r1
	_ = r2
}

func TestCheckList_PairCandidates_ServerReflexiveUsesBase(t *testing.T) {
	cl := newTestCheckList(t)
	host, _ := cl.AddLocalCandidate(Host, Addr{IP: "192.0.2.1", Port: 5000}, 1, nil)
	srflx, _ := cl.AddLocalCandidate(ServerReflexive, Addr{IP: "203.0.113.9", Port: 9000}, 1, host)
	cl.AddRemoteCandidate(Host, Addr{IP: "203.0.113.1", Port: 6000}, 1, 1000, "R1")

	cl.pairCandidates(Controlling, 0)

	if len(cl.pairs) != 1 {
		t.Fatalf("expected the host and srflx candidates sharing a base to collapse into one pair, got %d", len(cl.pairs))
	}
	if cl.pairs[0].Local != host {
		t.Error("expected the paired local candidate to be the srflx candidate's base")
	}
	_ = srflx
}

func TestCheckList_FreezeByFoundation(t *testing.T) {
	cl := newTestCheckList(t)
	l1, _ := cl.AddLocalCandidate(Host, Addr{IP: "192.0.2.1", Port: 5000}, 1, nil)
	l1.Foundation = "L1"
	r1, _ := cl.AddRemoteCandidate(Host, Addr{IP: "203.0.113.1", Port: 6000}, 1, 1000, "R1")
	r2, _ := cl.AddRemoteCandidate(Host, Addr{IP: "203.0.113.2", Port: 6001}, 1, 2000, "R1")
	_ = r1
	_ = r2

	cl.pairCandidates(Controlling, 0)

	waiting, frozen := 0, 0
	for _, p := range cl.pairs {
		switch p.State {
		case Waiting:
			waiting++
		case Frozen:
			frozen++
		}
	}
	if waiting != 1 || frozen != 1 {
		t.Errorf("expected exactly one Waiting and one Frozen pair sharing a foundation, got waiting=%d frozen=%d", waiting, frozen)
	}
}

func TestCheckList_UnfreezeFoundation(t *testing.T) {
	cl := newTestCheckList(t)
	l1, _ := cl.AddLocalCandidate(Host, Addr{IP: "192.0.2.1", Port: 5000}, 1, nil)
	l1.Foundation = "L1"
	cl.AddRemoteCandidate(Host, Addr{IP: "203.0.113.1", Port: 6000}, 1, 1000, "R1")
	cl.AddRemoteCandidate(Host, Addr{IP: "203.0.113.2", Port: 6001}, 1, 2000, "R1")
	cl.pairCandidates(Controlling, 0)

	var frozenFoundation PairFoundation
	for _, p := range cl.pairs {
		if p.State == Frozen {
			frozenFoundation = p.Foundation()
		}
	}
	cl.unfreezeFoundation(frozenFoundation)
	for _, p := range cl.pairs {
		if p.Foundation() == frozenFoundation && p.State == Frozen {
			t.Error("expected unfreezeFoundation to move the frozen pair to Waiting")
		}
	}
}

func TestCheckList_NextCheck_PrefersTriggered(t *testing.T) {
	cl := newTestCheckList(t)
	low := &CandidatePair{Priority: 10, State: Waiting}
	high := &CandidatePair{Priority: 100, State: Waiting}
	cl.checkOrder = Pairs{low, high}
	cl.enqueueTriggered(low)

	got := cl.nextCheck()
	if got != low {
		t.Error("expected the triggered pair to be selected over a higher-priority Waiting pair")
	}
}

func TestCheckList_NextCheck_HighestPriorityWaitingThenFrozen(t *testing.T) {
	cl := newTestCheckList(t)
	waitingLow := &CandidatePair{Priority: 10, State: Waiting}
	waitingHigh := &CandidatePair{Priority: 50, State: Waiting}
	frozenHighest := &CandidatePair{Priority: 100, State: Frozen}
	cl.checkOrder = Pairs{waitingLow, waitingHigh, frozenHighest}

	if got := cl.nextCheck(); got != waitingHigh {
		t.Errorf("expected highest-priority Waiting pair, got %v", got)
	}
	waitingHigh.State = InProgress
	waitingLow.State = InProgress
	if got := cl.nextCheck(); got != frozenHighest {
		t.Error("expected to fall back to the highest-priority Frozen pair once no Waiting pairs remain")
	}
}

func TestCheckList_NextCheck_NoneEligible(t *testing.T) {
	cl := newTestCheckList(t)
	if got := cl.nextCheck(); got != nil {
		t.Errorf("expected nil with no eligible pairs, got %v", got)
	}
}

func TestCheckList_UpdateState(t *testing.T) {
	cl := newTestCheckList(t)
	cl.state = Running
	cl.componentIDs[1] = true
	local := &Candidate{ComponentID: 1}
	remote := &Candidate{ComponentID: 1}
	pair := &CandidatePair{Local: local, Remote: remote, State: Succeeded}
	cl.pairs = Pairs{pair}

	if cl.updateState() {
		t.Fatal("should not complete before a pair is nominated")
	}
	if cl.state != Running {
		t.Fatalf("expected Running while a live pair remains, got %v", cl.state)
	}

	cl.addValidPair(pair, pair)
	pair.IsNominated = true

	if !cl.updateState() {
		t.Fatal("expected transition to Completed once every component has a nominated pair")
	}
	if cl.state != Completed {
		t.Errorf("expected Completed, got %v", cl.state)
	}
}

func TestCheckList_UpdateState_FailsWhenNoLivePairsRemain(t *testing.T) {
	cl := newTestCheckList(t)
	cl.state = Running
	cl.componentIDs[1] = true
	cl.pairs = Pairs{{State: Failed}, {State: Failed}}

	cl.updateState()
	if cl.state != ChecklistFailed {
		t.Errorf("expected Failed once every pair has failed, got %v", cl.state)
	}
}

func TestCheckList_UpdateState_SucceededUnnominatedPairStaysRunning(t *testing.T) {
	cl := newTestCheckList(t)
	cl.state = Running
	cl.componentIDs[1] = true
	pair := &CandidatePair{
		Local:  &Candidate{ComponentID: 1},
		Remote: &Candidate{ComponentID: 1},
		State:  Succeeded,
	}
	cl.pairs = Pairs{pair}

	// A Succeeded pair with no nomination yet is still a nomination
	// candidate, not a dead end: the check list must stay Running so the
	// controlling agent's next tick can schedule its nomination.
	if cl.updateState() {
		t.Fatal("did not expect a transition to Completed")
	}
	if cl.state != Running {
		t.Errorf("expected Running while a succeeded-but-unnominated pair remains, got %v", cl.state)
	}
}

func TestCheckList_GetRemoteAddrAndPortsFromValidPairs(t *testing.T) {
	cl := newTestCheckList(t)
	cl.componentIDs[1] = true
	cl.componentIDs[2] = true

	rtp := &CandidatePair{
		Local:  &Candidate{ComponentID: 1},
		Remote: &Candidate{ComponentID: 1, Addr: Addr{IP: "203.0.113.5", Port: 7000}},
	}
	rtcp := &CandidatePair{
		Local:  &Candidate{ComponentID: 2},
		Remote: &Candidate{ComponentID: 2, Addr: Addr{IP: "203.0.113.5", Port: 7001}},
	}
	rtp.IsNominated = true
	rtcp.IsNominated = true
	cl.addValidPair(rtp, rtp)
	cl.addValidPair(rtcp, rtcp)

	addr, rtpPort, rtcpPort, err := cl.GetRemoteAddrAndPortsFromValidPairs()
	if err != nil {
		t.Fatal(err)
	}
	if addr != "203.0.113.5" || rtpPort != 7000 || rtcpPort != 7001 {
		t.Errorf("unexpected result: addr=%s rtp=%d rtcp=%d", addr, rtpPort, rtcpPort)
	}
}

func TestCheckList_GetRemoteAddrAndPortsFromValidPairs_NoComponent1(t *testing.T) {
	cl := newTestCheckList(t)
	if _, _, _, err := cl.GetRemoteAddrAndPortsFromValidPairs(); err == nil {
		t.Fatal("expected error with no nominated pair for component 1")
	}
}
