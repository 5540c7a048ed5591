package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"msgate/internal/errkind"
	"msgate/internal/transport"
)

type fakeSession struct {
	mu      sync.Mutex
	creds   transport.Credentials
	events  transport.EventHandler
	sent    []string
	closed  bool
	logouts int
	connErr error
}

func (s *fakeSession) Connect(_ context.Context, creds transport.Credentials, events transport.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.events = events
	return s.connErr
}

func (s *fakeSession) Send(_ context.Context, to, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to+"|"+text)
	return "net-1", nil
}

func (s *fakeSession) Logout(context.Context) error {
	s.mu.Lock()
	s.logouts++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) emit(ev transport.Event) {
	s.mu.Lock()
	h := s.events
	s.mu.Unlock()
	h(ev)
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	connErr  error
}

func (d *fakeDialer) NewSession() transport.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSession{connErr: d.connErr}
	d.sessions = append(d.sessions, s)
	return s
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[len(d.sessions)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

type memCreds struct {
	mu     sync.Mutex
	shards transport.Credentials
	wipes  int
}

func (c *memCreds) Load() (transport.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.shards) == 0 {
		return nil, nil
	}
	out := transport.Credentials{}
	for k, v := range c.shards {
		out[k] = v
	}
	return out, nil
}

func (c *memCreds) Save(shard string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shards == nil {
		c.shards = transport.Credentials{}
	}
	c.shards[shard] = data
	return nil
}

func (c *memCreds) Wipe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shards = nil
	c.wipes++
	return nil
}

// manualTimers captures scheduled reconnects so tests fire them explicitly.
type manualTimers struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.pending)
	m.pending = append(m.pending, f)
	m.delays = append(m.delays, d)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		ok := m.pending[idx] != nil
		m.pending[idx] = nil
		return ok
	}
}

func (m *manualTimers) fire(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	var f func()
	for i, p := range m.pending {
		if p != nil {
			f = p
			m.pending[i] = nil
			break
		}
	}
	m.mu.Unlock()
	if f == nil {
		t.Fatal("no pending timer")
	}
	f()
}

func (m *manualTimers) outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pending {
		if p != nil {
			n++
		}
	}
	return n
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	creds  *memCreds
	timers *manualTimers
	codes  []string
	alerts []string
	mu     sync.Mutex
}

func newHarness(t *testing.T, maxAttempts int, creds transport.Credentials) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{}, creds: &memCreds{shards: creds}, timers: &manualTimers{}}
	h.m = NewManager(Config{ReconnectDelay: 5 * time.Second, MaxReconnectAttempts: maxAttempts}, Deps{
		Dialer: h.dialer,
		Creds:  h.creds,
		Pairing: PairingFunc(func(_ context.Context, code string) {
			h.mu.Lock()
			h.codes = append(h.codes, code)
			h.mu.Unlock()
		}),
		Alerts: AlertFunc(func(_ context.Context, text string) {
			h.mu.Lock()
			h.alerts = append(h.alerts, text)
			h.mu.Unlock()
		}),
	})
	h.m.afterFunc = h.timers.afterFunc
	t.Cleanup(func() { _ = h.m.Stop(context.Background()) })
	return h
}

func closeEv(r transport.CloseReason) transport.Event {
	return transport.Event{Kind: transport.EventClose, Reason: r}
}

func TestInitializeWithoutCredsEntersPairing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, nil)
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := h.m.State(); got != Pairing {
		t.Fatalf("state = %v, want pairing", got)
	}
	h.dialer.last().emit(transport.Event{Kind: transport.EventQR, Code: "code-1"})
	h.dialer.last().emit(transport.Event{Kind: transport.EventQR, Code: "code-2"})

	// Second Initialize while pairing is outstanding is a no-op.
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if h.dialer.count() != 1 {
		t.Fatalf("sessions = %d, want 1", h.dialer.count())
	}
	if len(h.codes) != 1 || h.codes[0] != "code-1" {
		t.Fatalf("pairing tokens = %v, want exactly [code-1]", h.codes)
	}
	if !h.m.Status().NeedsPairing {
		t.Fatal("NeedsPairing should be set")
	}
}

func TestOpenConnectsAndPersistsCreds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, nil)
	var changes []Change
	h.m.Observe(func(c Change) { changes = append(changes, c) })

	_ = h.m.Initialize(context.Background())
	s := h.dialer.last()
	s.emit(transport.Event{Kind: transport.EventQR, Code: "c"})
	s.emit(transport.Event{Kind: transport.EventCreds, Shard: "noise-key", Data: []byte{7}})
	if h.m.State() == Connected {
		t.Fatal("must not be connected before open")
	}
	s.emit(transport.Event{Kind: transport.EventOpen, JID: "me@s.whatsapp.net"})

	st := h.m.Status()
	if !st.Connected || st.NeedsPairing || st.Attempts != 0 || st.JID != "me@s.whatsapp.net" {
		t.Fatalf("status = %+v", st)
	}
	if got, _ := h.creds.Load(); string(got["noise-key"]) != "\x07" {
		t.Fatalf("shard not persisted: %v", got)
	}
	if len(changes) != 2 || changes[0].To != Pairing || changes[1].To != Connected {
		t.Fatalf("observer saw %+v", changes)
	}

	id, err := h.m.Send(context.Background(), "a@b", "hi")
	if err != nil || id != "net-1" {
		t.Fatalf("Send = %q, %v", id, err)
	}
}

func TestTransientCloseSchedulesSingleReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, transport.Credentials{"k": []byte("v")})
	_ = h.m.Initialize(context.Background())
	if h.m.State() != Disconnected {
		t.Fatalf("state = %v, want disconnected until open", h.m.State())
	}
	if got := string(h.dialer.last().creds["k"]); got != "v" {
		t.Fatalf("session got creds %q", got)
	}
	h.dialer.last().emit(transport.Event{Kind: transport.EventOpen})

	first := h.dialer.last()
	first.emit(closeEv(transport.ReasonConnectionLost))

	if h.m.State() != Disconnected {
		t.Fatalf("state = %v, want disconnected", h.m.State())
	}
	if h.timers.outstanding() != 1 || h.timers.delays[0] != 5*time.Second {
		t.Fatalf("timers = %d %v, want one 5s reconnect", h.timers.outstanding(), h.timers.delays)
	}
	if h.creds.wipes != 0 {
		t.Fatal("transient close must not wipe credentials")
	}
	if !first.closed {
		t.Fatal("ended session not closed")
	}
	if _, err := h.m.Send(context.Background(), "a", "b"); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Send while disconnected: %v", err)
	}

	h.timers.fire(t)
	if h.dialer.count() != 2 {
		t.Fatalf("sessions = %d, want 2 after reconnect", h.dialer.count())
	}
	// Stale events from the first session are ignored.
	first.emit(transport.Event{Kind: transport.EventOpen})
	if h.m.State() == Connected {
		t.Fatal("event from superseded session changed state")
	}
	h.dialer.last().emit(transport.Event{Kind: transport.EventOpen})
	if st := h.m.Status(); !st.Connected || st.Attempts != 0 {
		t.Fatalf("status after reconnect = %+v", st)
	}
}

func TestTerminalCloseWipesAndRepairs(t *testing.T) {
	t.Parallel()
	for _, reason := range []transport.CloseReason{transport.ReasonBadSession, transport.ReasonLoggedOut} {
		reason := reason
		t.Run(string(reason), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, 5, transport.Credentials{"k": []byte("v")})
			_ = h.m.Initialize(context.Background())
			h.dialer.last().emit(transport.Event{Kind: transport.EventOpen})
			h.dialer.last().emit(closeEv(reason))

			st := h.m.Status()
			if st.State != Disconnected || !st.NeedsPairing {
				t.Fatalf("status = %+v", st)
			}
			if h.creds.wipes != 1 {
				t.Fatalf("wipes = %d, want 1", h.creds.wipes)
			}
			if len(h.alerts) != 1 {
				t.Fatalf("alerts = %v", h.alerts)
			}
			h.timers.fire(t)
			if h.m.State() != Pairing {
				t.Fatalf("state after re-init = %v, want pairing", h.m.State())
			}
			if h.dialer.last().creds != nil {
				t.Fatal("re-init must start without credentials")
			}
		})
	}
}

func TestFailedAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3, transport.Credentials{"k": []byte("v")})
	_ = h.m.Initialize(context.Background())
	for i := 0; i < 3; i++ {
		h.dialer.last().emit(closeEv(transport.ReasonTimedOut))
		if i < 2 {
			h.timers.fire(t)
		}
	}
	if h.m.State() != Failed {
		t.Fatalf("state = %v, want failed", h.m.State())
	}
	if h.timers.outstanding() != 0 {
		t.Fatal("no reconnect may be scheduled once failed")
	}
	if h.dialer.count() != 3 {
		t.Fatalf("connection attempts = %d, want 3", h.dialer.count())
	}
	if err := h.m.Initialize(context.Background()); !errors.Is(err, errkind.ErrGatewayUnavailable) {
		t.Fatalf("Initialize in failed: %v", err)
	}
	if len(h.alerts) != 1 {
		t.Fatalf("alerts = %v, want one failure alert", h.alerts)
	}
}

func TestUnknownReasonIsTransient(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, transport.Credentials{"k": []byte("v")})
	_ = h.m.Initialize(context.Background())
	h.dialer.last().emit(closeEv("restart_required"))
	if h.creds.wipes != 0 || h.timers.outstanding() != 1 {
		t.Fatalf("unknown reason: wipes=%d timers=%d", h.creds.wipes, h.timers.outstanding())
	}
}

func TestConnectErrorSchedulesReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, nil)
	h.dialer.connErr = errors.New("dial refused")
	err := h.m.Initialize(context.Background())
	if !errors.Is(err, errkind.ErrConnectionLost) {
		t.Fatalf("Initialize err = %v, want connection_lost", err)
	}
	if h.timers.outstanding() != 1 {
		t.Fatal("expected a reconnect after connect failure")
	}
}

func TestStopCancelsTimers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, nil)
	_ = h.m.Initialize(context.Background())
	h.dialer.last().emit(closeEv(transport.ReasonConnectionClosed))
	if err := h.m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.timers.outstanding() != 0 {
		t.Fatal("Stop must cancel the pending reconnect")
	}
	if err := h.m.Initialize(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Initialize after stop: %v", err)
	}
}

func TestHandleEventDrivesCurrentSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, transport.Credentials{"noise": {1}})
	if err := h.m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	h.m.HandleEvent(transport.Event{Kind: transport.EventOpen, JID: "5511900000000@s.whatsapp.net"})
	if st := h.m.Status(); st.State != Connected || st.JID == "" {
		t.Fatalf("status = %+v, want connected with jid", st)
	}
	h.m.HandleEvent(closeEv(transport.ReasonTimedOut))
	if got := h.m.State(); got != Disconnected {
		t.Fatalf("state = %v, want disconnected", got)
	}
	if h.timers.outstanding() != 1 {
		t.Fatalf("reconnect timers = %d, want 1", h.timers.outstanding())
	}
}
