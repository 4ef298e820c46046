package ice

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SessionState is the overall state of an ICE session, derived from the
// states of its check lists.
type SessionState byte

const (
	// Stopped sessions have not started processing.
	Stopped SessionState = iota
	// SessionRunning sessions have at least one check list still running.
	SessionRunning
	// SessionCompleted sessions have every check list completed.
	SessionCompleted
	// SessionFailed sessions have every check list failed.
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case SessionRunning:
		return "running"
	case SessionCompleted:
		return "completed"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	defaultTaMS                  = 20
	defaultMaxConnectivityChecks = 100
	defaultKeepaliveTimeoutS     = 15
)

// Session owns one or more check lists (one per media stream) sharing a
// role, credentials and pacing configuration. It is not safe for
// concurrent use: a single host ticker must serialize calls to Process and
// HandleSTUNPacket, mirroring the single-threaded cooperative model the
// rest of this stack uses for its ticker-driven components.
type Session struct {
	log *zap.Logger

	streams []*CheckList

	localUfrag  string
	localPwd    string
	remoteUfrag string
	remotePwd   string

	role       Role
	state      SessionState
	tieBreaker uint64

	taMS                  int64
	maxConnectivityChecks int
	keepaliveTimeoutS     int

	nowMS int64

	// lastProbed round-robins which check list is offered the Ta budget
	// on each tick.
	lastProbed int

	stats Stats
}

// Stats counts connectivity-check outcomes across the session's lifetime.
type Stats struct {
	ChecksSent      uint64
	ChecksSucceeded uint64
	ChecksFailed    uint64
}

// Stats returns a snapshot of the session's check counters.
func (s *Session) Stats() Stats { return s.stats }

// NewSession allocates a new ICE session with fresh, cryptographically
// random local credentials and tie-breaker, and role Controlling by
// default (the caller typically flips the answering side to Controlled).
func NewSession(log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ufrag, err := randomToken(8)
	if err != nil {
		return nil, errors.Wrap(err, "generate local ufrag")
	}
	pwd, err := randomToken(24)
	if err != nil {
		return nil, errors.Wrap(err, "generate local pwd")
	}
	tieBreaker, err := randomUint64()
	if err != nil {
		return nil, errors.Wrap(err, "generate tie-breaker")
	}
	return &Session{
		log:                   log.Named("session"),
		localUfrag:            ufrag,
		localPwd:              pwd,
		role:                  Controlling,
		state:                 Stopped,
		tieBreaker:            tieBreaker,
		taMS:                  defaultTaMS,
		maxConnectivityChecks: defaultMaxConnectivityChecks,
		keepaliveTimeoutS:     defaultKeepaliveTimeoutS,
	}, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func randomUint64() (uint64, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// SetRole sets the agent's role for this session.
func (s *Session) SetRole(r Role) { s.role = r }

// Role returns the agent's current role.
func (s *Session) Role() Role { return s.role }

// State returns the session's current aggregate state.
func (s *Session) State() SessionState { return s.state }

// LocalUfrag returns the local username fragment.
func (s *Session) LocalUfrag() string { return s.localUfrag }

// LocalPwd returns the local password.
func (s *Session) LocalPwd() string { return s.localPwd }

// RemoteUfrag returns the remote username fragment.
func (s *Session) RemoteUfrag() string { return s.remoteUfrag }

// RemotePwd returns the remote password.
func (s *Session) RemotePwd() string { return s.remotePwd }

// SetLocalCredentials overrides the randomly generated local credentials.
// This exists only for interoperability testing where both peers must be
// pre-configured with identical credentials, bypassing a real SDP
// exchange; production callers should rely on the credentials NewSession
// generates.
func (s *Session) SetLocalCredentials(ufrag, pwd string) error {
	if len(ufrag) < 4 || len(pwd) < 22 {
		return errShortCredential
	}
	for _, cred := range []string{ufrag, pwd} {
		for i := 0; i < len(cred); i++ {
			if cred[i] < 0x20 || cred[i] > 0x7e {
				return errors.New("ice: ufrag or password is not printable ASCII")
			}
		}
	}
	s.localUfrag = ufrag
	s.localPwd = pwd
	return nil
}

// SetRemoteCredentials sets the remote username fragment and password
// received via SDP, propagating them to every attached check list.
func (s *Session) SetRemoteCredentials(ufrag, pwd string) {
	s.remoteUfrag = ufrag
	s.remotePwd = pwd
	for _, cl := range s.streams {
		cl.SetRemoteCredentials(ufrag, pwd)
	}
}

// SetMaxConnectivityChecks bounds the number of pairs any single check
// list will probe, within [1,255]; the default is 100.
func (s *Session) SetMaxConnectivityChecks(n int) error {
	if n < 1 || n > 255 {
		return errBadMaxChecks
	}
	s.maxConnectivityChecks = n
	return nil
}

// SetKeepaliveTimeout sets the interval, in seconds, between keepalives
// sent on a nominated pair, within [1,255]; the default is 15.
func (s *Session) SetKeepaliveTimeout(seconds int) error {
	if seconds < 1 || seconds > 255 {
		return errBadKeepalive
	}
	s.keepaliveTimeoutS = seconds
	return nil
}

// AddCheckList attaches a check list to the session.
func (s *Session) AddCheckList(cl *CheckList) {
	cl.session = s
	cl.remoteUfrag = s.remoteUfrag
	cl.remotePwd = s.remotePwd
	s.streams = append(s.streams, cl)
}

// CheckListAt returns the nth check list attached to the session.
func (s *Session) CheckListAt(n int) (*CheckList, error) {
	if n < 0 || n >= len(s.streams) {
		return nil, errUnknownCheckList
	}
	return s.streams[n], nil
}

// SetBaseForServerReflexiveCandidates resolves the Base field of every
// server-reflexive local candidate to the host candidate it was gathered
// through. It is test-only plumbing for agents that add candidates
// directly instead of running real gathering, mirroring the underlying
// engine's own test-only srflx-base helper.
func (s *Session) SetBaseForServerReflexiveCandidates() {
	for _, cl := range s.streams {
		for _, c := range cl.localCandidates {
			if c.Type != ServerReflexive || c.Base != c {
				continue
			}
			for _, host := range cl.localCandidates {
				if host.Type == Host && host.ComponentID == c.ComponentID {
					c.Base = host
					break
				}
			}
		}
	}
}

// ComputeCandidatesFoundations assigns RFC 5245 §4.1.1.3 foundations to
// every local candidate of every check list: candidates sharing
// (type, base IP) within a check list share a foundation.
func (s *Session) ComputeCandidatesFoundations() {
	for _, cl := range s.streams {
		for _, c := range cl.localCandidates {
			c.Foundation = cl.localFoundations.foundationFor(c.Type, c.Base.Addr.IP, "")
		}
	}
}

// candidateTypeRank orders candidate types by desirability for default
// selection: Relayed is most likely to work through arbitrary NATs,
// followed by ServerReflexive, then Host. PeerReflexive is never a
// default, since it is only discovered mid-session.
func candidateTypeRank(t CandidateType) int {
	switch t {
	case Relayed:
		return 0
	case ServerReflexive:
		return 1
	case Host:
		return 2
	default:
		return 3
	}
}

// ChooseDefaultCandidates marks, per component ID of each check list, the
// most-likely-to-work local candidate as default: Relayed over
// ServerReflexive over Host (RFC 5245 §4.1.4).
func (s *Session) ChooseDefaultCandidates() {
	for _, cl := range s.streams {
		best := make(map[int]*Candidate)
		for _, c := range cl.localCandidates {
			c.IsDefault = false
			if c.Type == PeerReflexive {
				continue
			}
			cur, ok := best[c.ComponentID]
			if !ok || candidateTypeRank(c.Type) < candidateTypeRank(cur.Type) {
				best[c.ComponentID] = c
			}
		}
		for _, c := range best {
			c.IsDefault = true
		}
	}
}

// PairCandidates forms candidate pairs for every check list, following
// RFC 5245 §5.7. It must be called after gathering, base resolution and
// foundation computation, and before any connectivity checks are sent.
func (s *Session) PairCandidates() {
	for _, cl := range s.streams {
		cl.pairCandidates(s.role, s.maxConnectivityChecks)
		cl.state = Running
	}
	s.state = SessionRunning
}

// updateSessionState recomputes aggregate session state from check list
// states.
func (s *Session) updateSessionState() {
	if len(s.streams) == 0 {
		return
	}
	allCompleted, allFailed := true, true
	for _, cl := range s.streams {
		if cl.state != Completed {
			allCompleted = false
		}
		if cl.state != ChecklistFailed {
			allFailed = false
		}
	}
	switch {
	case allCompleted:
		s.state = SessionCompleted
	case allFailed:
		s.state = SessionFailed
	default:
		s.state = SessionRunning
	}
}

// Close releases the session's check lists and cancels every outstanding
// transaction, so late responses arriving through a still-open socket are
// discarded rather than matched.
func (s *Session) Close() {
	for _, cl := range s.streams {
		for _, p := range cl.pairs {
			if p.State == InProgress {
				p.State = Failed
			}
			p.lastRequest = nil
		}
		cl.triggered = nil
		cl.session = nil
	}
	s.streams = nil
	s.state = Stopped
}

// Dump renders the session's candidates, pairs and states as a multi-line
// string for debug logging.
func (s *Session) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session state=%s role=%s tie-breaker=%#x ta=%dms\n",
		s.state, s.role, s.tieBreaker, s.taMS)
	for i, cl := range s.streams {
		fmt.Fprintf(&b, "check list %d: state=%s components=%d\n", i, cl.state, len(cl.componentIDs))
		for _, c := range cl.localCandidates {
			fmt.Fprintf(&b, "  local  %s %s component=%d foundation=%q priority=%d default=%t\n",
				c.Type, c.Addr, c.ComponentID, c.Foundation, c.Priority, c.IsDefault)
		}
		for _, c := range cl.remoteCandidates {
			fmt.Fprintf(&b, "  remote %s %s component=%d foundation=%q priority=%d\n",
				c.Type, c.Addr, c.ComponentID, c.Foundation, c.Priority)
		}
		for _, p := range cl.pairs {
			fmt.Fprintf(&b, "  pair %s -> %s state=%s priority=%d nominated=%t\n",
				p.Local.Addr, p.Remote.Addr, p.State, p.Priority, p.IsNominated)
		}
		for _, vp := range cl.validList {
			fmt.Fprintf(&b, "  valid %s -> %s nominated=%t\n",
				vp.Valid.Local.Addr, vp.Valid.Remote.Addr, vp.Valid.IsNominated)
		}
	}
	return b.String()
}

// unfreezeAcrossStreams implements the cross-check-list half of the
// unfreezing rule (RFC 5245 §7.1.3.2.3): once foundation f succeeds
// anywhere, every other Running check list unfreezes pairs sharing it.
func (s *Session) unfreezeAcrossStreams(origin *CheckList, f PairFoundation) {
	for _, cl := range s.streams {
		if cl == origin || cl.state != Running {
			continue
		}
		cl.unfreezeFoundation(f)
	}
}
