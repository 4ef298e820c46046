package server

import (
	"net"
	"testing"
	"time"

	"github.com/gortc/stun"
	"go.uber.org/zap"

	"github.com/SkySwitch/mediastreamer2/internal/auth"
	"github.com/SkySwitch/mediastreamer2/internal/ice"
)

func listenUDP(t testing.TB) (net.PacketConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func newManualAgent(t *testing.T, conn net.PacketConn, role ice.Role, reg *auth.Registry) *Agent {
	t.Helper()
	a, err := New(Options{
		Conn:                    conn,
		Log:                     zap.NewNop(),
		Role:                    role,
		TaMS:                    5,
		MaxConnectivityChecks:   10,
		KeepaliveTimeoutSeconds: 15,
		Sessions:                reg,
		ManualStart:             true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAgent_LoopbackHandshake(t *testing.T) {
	connA, addrA := listenUDP(t)
	connB, addrB := listenUDP(t)
	reg := auth.NewRegistry()

	a := newManualAgent(t, connA, ice.Controlling, reg)
	b := newManualAgent(t, connB, ice.Controlled, reg)
	sa, sb := a.Session(), b.Session()

	sa.SetRemoteCredentials(sb.LocalUfrag(), sb.LocalPwd())
	sb.SetRemoteCredentials(sa.LocalUfrag(), sa.LocalPwd())

	doneA := make(chan struct{}, 1)
	doneB := make(chan struct{}, 1)
	clA := ice.NewCheckList(nil)
	clA.RegisterSuccessCallback(nil, func(interface{}, *ice.CheckList) { doneA <- struct{}{} })
	clB := ice.NewCheckList(nil)
	clB.RegisterSuccessCallback(nil, func(interface{}, *ice.CheckList) { doneB <- struct{}{} })
	sa.AddCheckList(clA)
	sb.AddCheckList(clB)

	if _, err := clA.AddLocalCandidate(ice.Host, ice.Addr{IP: addrA.IP.String(), Port: addrA.Port}, 1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := clA.AddRemoteCandidate(ice.Host, ice.Addr{IP: addrB.IP.String(), Port: addrB.Port}, 1, 2130706431, "B1"); err != nil {
		t.Fatal(err)
	}
	if _, err := clB.AddLocalCandidate(ice.Host, ice.Addr{IP: addrB.IP.String(), Port: addrB.Port}, 1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := clB.AddRemoteCandidate(ice.Host, ice.Addr{IP: addrA.IP.String(), Port: addrA.Port}, 1, 2130706431, "A1"); err != nil {
		t.Fatal(err)
	}

	sa.ComputeCandidatesFoundations()
	sb.ComputeCandidatesFoundations()
	sa.PairCandidates()
	sb.PairCandidates()

	a.Start()
	b.Start()

	for _, wait := range []struct {
		name string
		c    chan struct{}
	}{
		{"A", doneA},
		{"B", doneB},
	} {
		select {
		case <-wait.c:
		case <-time.After(5 * time.Second):
			t.Fatalf("agent %s did not complete its check list", wait.name)
		}
	}

	if err := a.Close(); err != nil {
		t.Error(err)
	}
	if err := b.Close(); err != nil {
		t.Error(err)
	}

	addr, rtpPort, _, err := clA.GetRemoteAddrAndPortsFromValidPairs()
	if err != nil {
		t.Fatal(err)
	}
	if addr != addrB.IP.String() || rtpPort != addrB.Port {
		t.Errorf("agent A resolved unexpected media target %s:%d, want %s:%d", addr, rtpPort, addrB.IP, addrB.Port)
	}
	if reg.Len() != 0 {
		t.Errorf("expected both sessions to unregister on close, %d left", reg.Len())
	}
}

func TestAgent_DropsRequestsForForeignSessions(t *testing.T) {
	connA, addrA := listenUDP(t)
	reg := auth.NewRegistry()
	a := newManualAgent(t, connA, ice.Controlling, reg)
	sa := a.Session()
	sa.SetRemoteCredentials("peerufrag", "peerpasswordlongenough00")
	cl := ice.NewCheckList(nil)
	sa.AddCheckList(cl)
	if _, err := cl.AddLocalCandidate(ice.Host, ice.Addr{IP: addrA.IP.String(), Port: addrA.Port}, 1, nil); err != nil {
		t.Fatal(err)
	}

	// A sibling session sharing the registry, as a second peer connection
	// hosted by the same process would.
	foreign, err := ice.NewSession(zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	reg.Register(foreign)

	a.Start()
	defer a.Close()

	probe, _ := listenUDP(t)
	defer probe.Close()
	dst := &net.UDPAddr{IP: addrA.IP, Port: addrA.Port}
	buf := make([]byte, 1024)

	// A request addressed to the sibling session's ufrag: the agent must
	// stay silent instead of answering traffic that is not its own.
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest,
		stun.NewUsername(foreign.LocalUfrag()+":peerufrag"),
		stun.NewShortTermIntegrity(foreign.LocalPwd()),
		stun.Fingerprint,
	)
	if _, err := probe.WriteTo(req.Raw, dst); err != nil {
		t.Fatal(err)
	}
	probe.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	if n, _, err := probe.ReadFrom(buf); err == nil {
		t.Fatalf("expected no answer to a foreign session's request, got %d bytes", n)
	}

	// A request addressed to this agent's own session is still answered
	// (401 here, since the integrity key is wrong).
	req = stun.MustBuild(stun.TransactionID, stun.BindingRequest,
		stun.NewUsername(sa.LocalUfrag()+":peerufrag"),
		stun.NewShortTermIntegrity("not-the-right-password00"),
		stun.Fingerprint,
	)
	if _, err := probe.WriteTo(req.Raw, dst); err != nil {
		t.Fatal(err)
	}
	probe.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := probe.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected an error response for an owned request: %v", err)
	}
	res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
	if err := res.Decode(); err != nil {
		t.Fatal(err)
	}
	if res.Type.Class != stun.ClassErrorResponse {
		t.Errorf("expected an error response, got %s", res.Type)
	}
}

func TestNew_RejectsOutOfRangeOptions(t *testing.T) {
	if _, err := New(Options{MaxConnectivityChecks: 1000, ManualStart: true}); err == nil {
		t.Error("expected out-of-range max connectivity checks to be rejected")
	}
	if _, err := New(Options{KeepaliveTimeoutSeconds: 500, ManualStart: true}); err == nil {
		t.Error("expected out-of-range keepalive timeout to be rejected")
	}
}

func TestUpdater_FansOutToSubscribedAgents(t *testing.T) {
	o := Options{TaMS: 20, ManualStart: true}
	u := NewUpdater(o)
	a, err := New(o)
	if err != nil {
		t.Fatal(err)
	}
	u.Subscribe(a)

	o.TaMS = 30
	u.Set(o)

	if got := a.config().TaMS(); got != 30 {
		t.Errorf("expected updated Ta to reach the subscribed agent, got %d", got)
	}
	if len(u.Listeners()) != 1 {
		t.Errorf("expected one listener, got %d", len(u.Listeners()))
	}
	if u.Get().TaMS != 30 {
		t.Errorf("expected Get to return the updated options")
	}
}
