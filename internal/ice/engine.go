package ice

import (
	"github.com/gortc/stun"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	initialRTOMS   = 500
	maxRetransmits = 7
)

// SendFunc transmits a built STUN message to a transport address. The host
// supplies this; the engine never touches a socket directly.
type SendFunc func(dst Addr, msg *stun.Message) error

var bindingRequest = stun.NewType(stun.MethodBinding, stun.ClassRequest)
var bindingIndication = stun.NewType(stun.MethodBinding, stun.ClassIndication)
var bindingSuccess = stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse)

// buildRequest constructs a Binding Request for pair, per RFC 5245 §7.1.1.
// nominate sets USE-CANDIDATE, only ever true for a Controlling agent's
// nomination check.
func (s *Session) buildRequest(pair *CandidatePair, nominate bool) (*stun.Message, error) {
	username := stun.NewUsername(s.remoteUfrag + ":" + s.localUfrag)
	integrity := stun.NewShortTermIntegrity(s.remotePwd)
	peerReflexivePriority := priorityAttr(Priority(PeerReflexive, defaultLocalPreference, pair.Local.ComponentID))

	setters := []stun.Setter{
		stun.TransactionID,
		bindingRequest,
		username,
		peerReflexivePriority,
	}
	if s.role == Controlling {
		setters = append(setters, attrControlling{tieBreakerAttr(s.tieBreaker)})
		if nominate {
			setters = append(setters, useCandidateAttr{})
		}
	} else {
		setters = append(setters, attrControlled{tieBreakerAttr(s.tieBreaker)})
	}
	setters = append(setters, integrity, stun.Fingerprint)

	m := stun.New()
	if err := m.Build(setters...); err != nil {
		return nil, errors.Wrap(err, "build binding request")
	}
	return m, nil
}

// Process advances the session by one tick: it services retransmissions
// (and nomination scheduling) on every Running check list and keepalives
// on every Completed one, then offers the Ta budget —
// at most one freshly dispatched check — to the next Running check list in
// round-robin order.
func (s *Session) Process(nowMS int64, send SendFunc) error {
	s.nowMS = nowMS
	if len(s.streams) == 0 {
		return nil
	}
	for _, cl := range s.streams {
		switch cl.state {
		case Completed:
			cl.serviceKeepalives(s, nowMS, send)
		case Running:
			if err := cl.serviceRetransmits(s, nowMS, send); err != nil {
				return err
			}
			if cl.state == Running {
				s.scheduleNomination(cl)
			}
		}
	}

	n := len(s.streams)
	for i := 0; i < n; i++ {
		idx := (s.lastProbed + 1 + i) % n
		cl := s.streams[idx]
		if cl.state != Running {
			continue
		}
		sent, err := cl.sendNextCheck(s, nowMS, send)
		if err != nil {
			return err
		}
		if sent {
			s.lastProbed = idx
			break
		}
	}
	s.updateSessionState()
	return nil
}

// serviceRetransmits walks InProgress pairs, resending or failing them per
// RFC 5389's client retransmission timer.
func (cl *CheckList) serviceRetransmits(s *Session, nowMS int64, send SendFunc) error {
	for _, p := range cl.pairs {
		if p.State != InProgress {
			continue
		}
		if nowMS-p.txTimeMS < p.rtoMS {
			continue
		}
		if p.retransmissions >= maxRetransmits {
			p.State = Failed
			p.nominating = false
			s.stats.ChecksFailed++
			continue
		}
		p.retransmissions++
		p.rtoMS *= 2
		p.txTimeMS = nowMS
		if p.waitTimeout {
			req, err := s.buildRequest(p, p.nominating)
			if err != nil {
				return err
			}
			p.lastRequest = req
			p.waitTimeout = false
		}
		if p.lastRequest == nil {
			continue
		}
		s.stats.ChecksSent++
		if err := send(p.Remote.Addr, p.lastRequest); err != nil {
			return err
		}
	}
	cl.updateState()
	return nil
}

// serviceKeepalives emits a Binding Indication on each component's
// nominated pair once the check list has completed, per RFC 5245 §10.
func (cl *CheckList) serviceKeepalives(s *Session, nowMS int64, send SendFunc) {
	if cl.state != Completed {
		return
	}
	timeoutMS := int64(s.keepaliveTimeoutS) * 1000
	if nowMS-cl.keepaliveTimeMS < timeoutMS {
		return
	}
	cl.keepaliveTimeMS = nowMS
	for comp := range cl.componentIDs {
		p := cl.nominatedPairForComponent(comp)
		if p == nil {
			continue
		}
		m := stun.New()
		if err := m.Build(stun.TransactionID, bindingIndication, stun.Fingerprint); err != nil {
			cl.log.Warn("failed to build keepalive", zap.Error(err))
			continue
		}
		if err := send(p.Remote.Addr, m); err != nil {
			cl.log.Warn("failed to send keepalive", zap.Error(err))
		}
	}
}

// scheduleNomination implements the controlling side of regular
// nomination (RFC 5245 §8.1): once every component of a Running check list
// has at least one valid pair, the highest-priority valid pair per
// component is triggered for a nominating check, unless that pair is
// already nominated, already chosen for nomination, or has a check in
// flight.
func (s *Session) scheduleNomination(cl *CheckList) {
	if s.role != Controlling {
		return
	}
	for comp := range cl.componentIDs {
		if cl.nominatedPairForComponent(comp) != nil {
			continue
		}
		best := cl.bestValidPairForComponent(comp)
		if best == nil {
			return // not every component has a valid pair yet
		}
	}
	for comp := range cl.componentIDs {
		best := cl.bestValidPairForComponent(comp)
		if best.IsNominated || best.nominating || best.State == InProgress {
			continue
		}
		best.nominating = true
		cl.enqueueTriggered(best)
	}
}

// sendNextCheck dispatches the next eligible check for cl, if any, and
// reports whether one was sent.
func (cl *CheckList) sendNextCheck(s *Session, nowMS int64, send SendFunc) (bool, error) {
	p := cl.nextCheck()
	if p == nil {
		return false, nil
	}
	nominate := s.role == Controlling && p.nominating
	req, err := s.buildRequest(p, nominate)
	if err != nil {
		return false, err
	}
	p.lastRequest = req
	p.State = InProgress
	p.roleAtSend = s.role
	p.txTimeMS = nowMS
	p.rtoMS = initialRTOMS
	p.retransmissions = 0
	s.stats.ChecksSent++
	if err := send(p.Remote.Addr, req); err != nil {
		return false, err
	}
	return true, nil
}

// HandleSTUNPacket ingests one STUN message addressed to check list cl,
// received on localAddr from peer address from.
func (s *Session) HandleSTUNPacket(cl *CheckList, localAddr, from Addr, raw []byte, send SendFunc) error {
	if !stun.IsMessage(raw) {
		return errNotSTUNMessage
	}
	m := new(stun.Message)
	m.Raw = append(m.Raw[:0], raw...)
	if err := m.Decode(); err != nil {
		return errors.Wrap(err, "decode stun message")
	}
	switch m.Type.Class {
	case stun.ClassRequest:
		return s.handleRequest(cl, localAddr, from, m, send)
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		return s.handleResponse(cl, localAddr, from, m, send)
	default:
		return nil // indications (e.g. keepalives) need no action
	}
}

// handleRequest implements RFC 5245 §7.2: validation, role-conflict
// arbitration, the success response, and the triggered-check rule.
func (s *Session) handleRequest(cl *CheckList, localAddr, from Addr, req *stun.Message, send SendFunc) error {
	var username stun.Username
	if err := username.GetFrom(req); err != nil {
		return s.respondError(from, req, stun.CodeBadRequest, send)
	}
	expect := s.localUfrag + ":" + s.remoteUfrag
	if username.String() != expect {
		return s.respondError(from, req, stun.CodeUnauthorized, send)
	}
	integrity := stun.NewShortTermIntegrity(s.localPwd)
	if err := integrity.Check(req); err != nil {
		return s.respondError(from, req, stun.CodeUnauthorized, send)
	}

	var peerControlling attrControlling
	var peerControlled attrControlled
	hasControlling := peerControlling.GetFrom(req) == nil
	hasControlled := peerControlled.GetFrom(req) == nil
	if conflict, newRole := s.resolveRoleConflict(hasControlling, uint64(peerControlling.tieBreakerAttr), hasControlled, uint64(peerControlled.tieBreakerAttr)); conflict {
		if newRole == s.role {
			return s.respondRoleConflict(from, req, send)
		}
		s.role = newRole
		for _, c := range s.streams {
			for _, p := range c.pairs {
				p.computePriority(s.role)
			}
		}
	}

	var priority priorityAttr
	_ = priority.GetFrom(req)

	if err := s.respondSuccess(from, req, send); err != nil {
		return err
	}

	local := cl.findLocalByAddr(localAddr)
	if local == nil {
		return nil
	}
	remote := cl.findRemoteByAddr(from, local.ComponentID)
	if remote == nil {
		remote = cl.addSyntheticRemoteCandidate(from, local.ComponentID, uint32(priority))
	}
	pair := cl.findPair(local, remote)
	if pair == nil {
		pair = &CandidatePair{Local: local, Remote: remote, State: Waiting}
		pair.computePriority(s.role)
		cl.pairs = append(cl.pairs, pair)
		cl.checkOrder = append(cl.checkOrder, pair)
	}
	switch pair.State {
	case Waiting, Frozen:
		if hasUseCandidate(req) {
			pair.remoteNominated = true
		}
		cl.enqueueTriggered(pair)
	case InProgress:
		if hasUseCandidate(req) {
			pair.remoteNominated = true
		}
		pair.lastRequest = nil
		cl.enqueueTriggered(pair)
	case Succeeded:
		if hasUseCandidate(req) {
			s.nominateValidPairFor(cl, pair)
		}
	}
	return nil
}

// findLocalByAddr returns the local candidate whose address matches addr.
func (cl *CheckList) findLocalByAddr(addr Addr) *Candidate {
	for _, c := range cl.localCandidates {
		if c.Addr.Equal(addr) {
			return c
		}
	}
	return nil
}

// nominateValidPairFor marks the valid pair generated from origin as
// nominated.
func (s *Session) nominateValidPairFor(cl *CheckList, origin *CandidatePair) {
	for _, vp := range cl.validList {
		if vp.GeneratedFrom == origin {
			vp.Valid.IsNominated = true
		}
	}
	if cl.updateState() {
		s.finishCheckList(cl)
	}
}

// resolveRoleConflict implements RFC 5245 §7.2.1.1: if the peer declares
// the same role as us, the lower tie-breaker switches roles. It returns
// whether a conflict was found and which role we should end up with.
func (s *Session) resolveRoleConflict(peerControlling bool, peerControllingTB uint64, peerControlled bool, peerControlledTB uint64) (conflict bool, newRole Role) {
	switch {
	case peerControlling && s.role == Controlling:
		if s.tieBreaker >= peerControllingTB {
			return true, Controlling
		}
		return true, Controlled
	case peerControlled && s.role == Controlled:
		if s.tieBreaker >= peerControlledTB {
			return true, Controlled
		}
		return true, Controlling
	default:
		return false, s.role
	}
}

func (s *Session) respondSuccess(to Addr, req *stun.Message, send SendFunc) error {
	m := new(stun.Message)
	xor := stun.XORMappedAddress{IP: parseIP(to.IP), Port: to.Port}
	integrity := stun.NewShortTermIntegrity(s.localPwd)
	if err := m.Build(req, bindingSuccess, &xor, integrity, stun.Fingerprint); err != nil {
		return errors.Wrap(err, "build binding success")
	}
	return send(to, m)
}

func (s *Session) respondError(to Addr, req *stun.Message, code stun.ErrorCode, send SendFunc) error {
	m := new(stun.Message)
	errType := stun.NewType(stun.MethodBinding, stun.ClassErrorResponse)
	if err := m.Build(req, errType, code, stun.Fingerprint); err != nil {
		return errors.Wrap(err, "build binding error")
	}
	return send(to, m)
}

func (s *Session) respondRoleConflict(to Addr, req *stun.Message, send SendFunc) error {
	return s.respondError(to, req, stun.CodeRoleConflict, send)
}

// handleResponse implements RFC 5245 §7.1.3: matching a Binding Response
// to its pair, role-conflict handling, and peer-reflexive discovery.
func (s *Session) handleResponse(cl *CheckList, localAddr, from Addr, res *stun.Message, send SendFunc) error {
	pair := cl.findPairByTransaction(res)
	if pair == nil {
		return nil // stale or unknown response, discard
	}
	if res.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(res); err == nil && code.Code == stun.CodeRoleConflict {
			if s.role == Controlling {
				s.role = Controlled
			} else {
				s.role = Controlling
			}
			for _, c := range s.streams {
				for _, p := range c.pairs {
					p.computePriority(s.role)
				}
			}
			pair.lastRequest = nil
			pair.State = Waiting
			cl.enqueueTriggered(pair)
			return nil
		}
		pair.State = Failed
		pair.nominating = false
		s.stats.ChecksFailed++
		cl.updateState()
		return nil
	}

	if err := stun.NewShortTermIntegrity(s.remotePwd).Check(res); err != nil {
		return nil // unauthenticated success response, discard
	}

	var mappedAddr stun.XORMappedAddress
	if err := mappedAddr.GetFrom(res); err != nil {
		pair.State = Failed
		pair.nominating = false
		s.stats.ChecksFailed++
		cl.updateState()
		return nil
	}
	discoveredAddr := Addr{IP: mappedAddr.IP.String(), Port: mappedAddr.Port}

	var generatedFrom = pair
	var validLocal *Candidate
	if discoveredAddr.Equal(pair.Local.Addr) {
		validLocal = pair.Local
	} else {
		var prio priorityAttr
		_ = prio.GetFrom(pair.lastRequest)
		validLocal = cl.findLocalByAddr(discoveredAddr)
		if validLocal == nil {
			validLocal = cl.addSyntheticLocalCandidate(pair.Local, discoveredAddr, pair.Local.ComponentID, uint32(prio))
		}
	}

	valid := cl.findPair(validLocal, pair.Remote)
	if valid == nil {
		valid = &CandidatePair{Local: validLocal, Remote: pair.Remote, State: Succeeded}
		valid.computePriority(s.role)
		cl.pairs = append(cl.pairs, valid)
	} else {
		valid.State = Succeeded
	}

	pair.State = Succeeded
	pair.RTTMS = s.nowMS - pair.txTimeMS
	s.stats.ChecksSucceeded++
	vp := cl.addValidPair(valid, generatedFrom)
	if hasUseCandidate(pair.lastRequest) || pair.remoteNominated {
		vp.Valid.IsNominated = true
	}

	s.unfreezeAcrossStreams(cl, pair.Foundation())
	if cl.updateState() {
		s.finishCheckList(cl)
	}
	return nil
}

// findPairByTransaction returns the in-flight pair whose last request's
// transaction id matches res, or nil. Pairs no longer InProgress have had
// their transaction slot invalidated; late responses for them are stale.
func (cl *CheckList) findPairByTransaction(res *stun.Message) *CandidatePair {
	for _, p := range cl.pairs {
		if p.State != InProgress {
			continue
		}
		if p.lastRequest != nil && p.lastRequest.TransactionID == res.TransactionID {
			return p
		}
	}
	return nil
}

// finishCheckList runs the completion actions of RFC 5245 §8.1.2 once cl
// has just transitioned to Completed: cancel in-flight pairs for already
// covered components, and invoke the success callback.
func (s *Session) finishCheckList(cl *CheckList) {
	for _, p := range cl.pairs {
		if p.State == InProgress {
			p.State = Failed
		}
	}
	if cl.onSuccess != nil {
		cl.onSuccess(cl.stream, cl)
	}
	s.updateSessionState()
}
