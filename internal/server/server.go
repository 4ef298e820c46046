// Package server hosts an ICE session behind a UDP socket: a read loop
// that feeds incoming packets to the session, a ticker that drives
// connectivity checks, and zap logging. The cobra/viper command and config
// layer lives in internal/cli.
package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gortc/stun"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/SkySwitch/mediastreamer2/internal/auth"
	"github.com/SkySwitch/mediastreamer2/internal/ice"
)

// MetricsRegistry represents a prometheus metrics registry.
type MetricsRegistry interface {
	Register(c prometheus.Collector) error
}

// Options configures an Agent.
type Options struct {
	Conn net.PacketConn
	Log  *zap.Logger

	Role ice.Role

	TaMS                    int // pacing interval, default 20ms
	MaxConnectivityChecks   int // default 100
	KeepaliveTimeoutSeconds int // default 15

	// LocalUfrag/LocalPwd override the session's randomly generated
	// credentials, for interoperability tests that bypass SDP.
	LocalUfrag string
	LocalPwd   string

	// Sessions, if set, is a shared registry this agent's session is
	// registered under for its lifetime, so a process hosting several
	// concurrent peer connections on one socket can resolve an inbound
	// request's USERNAME to the right agent before decoding further.
	Sessions *auth.Registry

	Labels         prometheus.Labels
	Registry       MetricsRegistry
	MetricsEnabled bool

	ManualStart bool // don't start the read/tick loops
}

// Agent hosts one ICE session against a single UDP socket. It is the host
// ticker and packet-ingress source the ice package's single-threaded
// cooperative model requires: every mutation of the Session happens on one
// internal goroutine, fed by a channel from the read loop and the ticker.
type Agent struct {
	conn    net.PacketConn
	log     *zap.Logger
	cfg     atomic.Value
	session *ice.Session
	metrics metricsSink

	events chan event
	close  chan struct{}
	wg     sync.WaitGroup

	lastStates map[*ice.CheckList]ice.CheckListState
	lastStats  ice.Stats

	sessions *auth.Registry
}

type event struct {
	tick   bool
	from   net.Addr
	packet []byte
}

func (a *Agent) config() *config { return a.cfg.Load().(*config) }

func (a *Agent) setOptions(o Options) { a.cfg.Store(newConfig(o)) }

// New creates an Agent from Options. The session it wraps is reachable
// through Agent.Session, so the caller can attach check lists via
// Session.AddCheckList before traffic starts flowing.
func New(o Options) (*Agent, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.TaMS == 0 {
		o.TaMS = 20
	}
	if o.MaxConnectivityChecks == 0 {
		o.MaxConnectivityChecks = 100
	}
	if o.KeepaliveTimeoutSeconds == 0 {
		o.KeepaliveTimeoutSeconds = 15
	}
	if len(o.Labels) == 0 {
		o.Labels = prometheus.Labels{}
	}
	if o.Conn != nil {
		o.Labels["addr"] = o.Conn.LocalAddr().String()
	}

	session, err := ice.NewSession(o.Log)
	if err != nil {
		return nil, errors.Wrap(err, "new ice session")
	}
	session.SetRole(o.Role)
	if err := session.SetMaxConnectivityChecks(o.MaxConnectivityChecks); err != nil {
		return nil, errors.Wrap(err, "set max connectivity checks")
	}
	if err := session.SetKeepaliveTimeout(o.KeepaliveTimeoutSeconds); err != nil {
		return nil, errors.Wrap(err, "set keepalive timeout")
	}
	if o.LocalUfrag != "" {
		if err := session.SetLocalCredentials(o.LocalUfrag, o.LocalPwd); err != nil {
			return nil, errors.Wrap(err, "set local credentials")
		}
	}

	a := &Agent{
		conn:       o.Conn,
		log:        o.Log.Named("ice"),
		session:    session,
		events:     make(chan event, 64),
		close:      make(chan struct{}),
		metrics:    noopMetrics{},
		lastStates: make(map[*ice.CheckList]ice.CheckListState),
		sessions:   o.Sessions,
	}
	a.cfg.Store(newConfig(o))

	if a.sessions != nil {
		a.sessions.Register(session)
	}

	if o.MetricsEnabled {
		pm := newPromMetrics(o.Labels)
		a.metrics = pm
		if o.Registry != nil {
			if err := o.Registry.Register(pm); err != nil {
				return nil, errors.Wrap(err, "register metrics")
			}
		}
	}

	if !o.ManualStart {
		a.Start()
	}
	return a, nil
}

// Session returns the ICE session hosted by this agent.
func (a *Agent) Session() *ice.Session { return a.session }

// UpdateRemoteCredentials pushes freshly learned remote ufrag/pwd (e.g.
// after re-reading SDP from disk on a reload signal) down to the session
// and every check list it owns.
func (a *Agent) UpdateRemoteCredentials(ufrag, pwd string) {
	a.session.SetRemoteCredentials(ufrag, pwd)
}

// Start spawns the read loop, the tick loop and the serializing loop that
// applies both to the session.
func (a *Agent) Start() {
	a.wg.Add(1)
	go a.serialize()
	if a.conn != nil {
		a.wg.Add(1)
		go a.readLoop()
	}
	a.wg.Add(1)
	go a.tickLoop()
}

// Close stops all loops and releases the socket.
func (a *Agent) Close() error {
	close(a.close)
	var err error
	if a.conn != nil {
		err = a.conn.Close()
	}
	a.wg.Wait()
	if a.sessions != nil {
		a.sessions.Unregister(a.session)
	}
	return err
}

func (a *Agent) readLoop() {
	defer a.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, addr, err := a.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-a.close:
				return
			default:
				a.log.Warn("read failed", zap.Error(err))
				return
			}
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		select {
		case a.events <- event{from: addr, packet: packet}:
		case <-a.close:
			return
		}
	}
}

func (a *Agent) tickLoop() {
	defer a.wg.Done()
	t := time.NewTicker(time.Duration(a.config().TaMS()) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			select {
			case a.events <- event{tick: true}:
			case <-a.close:
				return
			}
		case <-a.close:
			return
		}
	}
}

// serialize is the single goroutine allowed to mutate the session,
// draining events produced by readLoop and tickLoop.
func (a *Agent) serialize() {
	defer a.wg.Done()
	start := time.Now()
	for {
		select {
		case ev := <-a.events:
			now := time.Since(start).Milliseconds()
			if ev.tick {
				if err := a.session.Process(now, a.send); err != nil {
					a.log.Warn("process failed", zap.Error(err))
				}
				a.reportCheckListTransitions()
				a.reportCheckStats()
				continue
			}
			a.handlePacket(now, ev.from, ev.packet)
			a.reportCheckStats()
		case <-a.close:
			return
		}
	}
}

// reportCheckListTransitions diffs each check list's state against what
// was observed on the previous tick and increments the matching counter
// the first time a check list reaches Completed or Failed.
func (a *Agent) reportCheckListTransitions() {
	for i := 0; ; i++ {
		cl, err := a.session.CheckListAt(i)
		if err != nil {
			break
		}
		prev, seen := a.lastStates[cl]
		state := cl.State()
		if seen && prev == state {
			continue
		}
		a.lastStates[cl] = state
		switch state {
		case ice.Completed:
			a.metrics.incCheckListsCompleted()
		case ice.ChecklistFailed:
			a.metrics.incCheckListsFailed()
		}
	}
}

// reportCheckStats feeds the delta of the session's check counters since
// the last report into the metrics sink.
func (a *Agent) reportCheckStats() {
	cur := a.session.Stats()
	a.metrics.addChecksSent(cur.ChecksSent - a.lastStats.ChecksSent)
	a.metrics.addChecksSucceeded(cur.ChecksSucceeded - a.lastStats.ChecksSucceeded)
	a.metrics.addChecksFailed(cur.ChecksFailed - a.lastStats.ChecksFailed)
	a.lastStats = cur
}

func (a *Agent) handlePacket(now int64, from net.Addr, packet []byte) {
	fromAddr, err := toAddr(from)
	if err != nil {
		a.log.Warn("unsupported peer address", zap.Error(err))
		return
	}
	localAddr, err := toAddr(a.conn.LocalAddr())
	if err != nil {
		a.log.Warn("unsupported local address", zap.Error(err))
		return
	}
	if !a.ownsPacket(packet) {
		return
	}
	for i := 0; ; i++ {
		cl, err := a.session.CheckListAt(i)
		if err != nil {
			break
		}
		if hErr := a.session.HandleSTUNPacket(cl, localAddr, fromAddr, packet, a.send); hErr != nil {
			a.log.Debug("stun packet not handled", zap.Error(hErr))
		}
	}
}

// ownsPacket demultiplexes a shared socket: a Binding Request carries the
// target session's local ufrag in its USERNAME, so when a registry is
// configured the request is resolved through it and dropped unless it
// belongs to this agent's session. Responses and indications pass through;
// they are matched by transaction id inside the engine instead.
func (a *Agent) ownsPacket(packet []byte) bool {
	if a.sessions == nil || !stun.IsMessage(packet) {
		return true
	}
	m := &stun.Message{Raw: packet}
	if err := m.Decode(); err != nil {
		a.log.Debug("dropping undecodable stun packet", zap.Error(err))
		return false
	}
	if m.Type.Class != stun.ClassRequest {
		return true
	}
	owner, err := a.sessions.Lookup(m)
	if err != nil {
		a.log.Debug("no session for inbound request", zap.Error(err))
		return false
	}
	return owner == a.session
}

func (a *Agent) send(dst ice.Addr, m *stun.Message) error {
	addr := &net.UDPAddr{IP: net.ParseIP(dst.IP), Port: dst.Port}
	if err := a.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		a.log.Warn("failed to set write deadline", zap.Error(err))
	}
	_, err := a.conn.WriteTo(m.Raw, addr)
	return err
}

func toAddr(a net.Addr) (ice.Addr, error) {
	udp, ok := a.(*net.UDPAddr)
	if !ok {
		return ice.Addr{}, errors.Errorf("unsupported address type %T", a)
	}
	return ice.Addr{IP: udp.IP.String(), Port: udp.Port}, nil
}
