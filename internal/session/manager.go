// Package session owns the single chat network session: pairing, credential
// persistence and the reconnect policy.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"msgate/internal/errkind"
	"msgate/internal/eventbus"
	"msgate/internal/observability/metrics"
	"msgate/internal/transport"
	"msgate/pkg/logx"
)

const (
	DefaultReconnectDelay       = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
)

var ErrStopped = errors.New("session manager stopped")

type Config struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// Change is passed to observers after every state transition.
type Change struct {
	From     State
	To       State
	Reason   transport.CloseReason
	Attempts int
	At       time.Time
}

type Status struct {
	State        State
	Connected    bool
	NeedsPairing bool
	Attempts     int
	JID          string
	Since        time.Time
}

type Deps struct {
	Dialer  transport.Dialer
	Creds   CredStore
	Pairing PairingSink
	Alerts  AlertSink
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	Log     logx.Logger
}

// Manager drives one transport.Session at a time through the state machine
// in Transition. Events from a superseded session are dropped.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	creds   CredStore
	pairing PairingSink
	alerts  AlertSink
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// afterFunc schedules reconnects; tests replace it.
	afterFunc func(time.Duration, func()) (stop func() bool)

	mu        sync.Mutex
	snap      Snapshot
	since     time.Time
	sess      transport.Session
	gen       uint64
	stopTimer func() bool
	observers []func(Change)
	stopped   bool
}

func NewManager(cfg Config, d Deps) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		dialer:  d.Dialer,
		creds:   d.Creds,
		pairing: d.Pairing,
		alerts:  d.Alerts,
		bus:     d.Bus,
		metrics: d.Metrics,
		log:     d.Log.With(logx.String("comp", "session")),
		ctx:     ctx,
		cancel:  cancel,
		snap:    Snapshot{State: Disconnected, MaxAttempts: cfg.MaxReconnectAttempts},
		since:   time.Now(),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	m.metrics.SetSessionState(Disconnected.String())
	return m
}

// Observe registers fn to run after every state transition. Observers run on
// the goroutine that delivered the event and must not block.
func (m *Manager) Observe(fn func(Change)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.State
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:        m.snap.State,
		Connected:    m.snap.State == Connected,
		NeedsPairing: m.snap.NeedsPairing,
		Attempts:     m.snap.Attempts,
		JID:          m.snap.JID,
		Since:        m.since,
	}
}

// Initialize starts a connection attempt with the stored credentials, or a
// pairing attempt when none exist. It is a no-op while an attempt is active.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.stopped:
		m.mu.Unlock()
		return ErrStopped
	case m.snap.State == Failed:
		m.mu.Unlock()
		return errkind.ErrGatewayUnavailable
	case m.sess != nil:
		m.mu.Unlock()
		return nil
	}

	creds, err := m.creds.Load()
	if err != nil {
		// Unreadable credentials are treated like missing ones.
		m.log.Warn("credential load failed; falling back to pairing", logx.Err(err))
		creds = nil
	}

	m.gen++
	gen := m.gen
	sess := m.dialer.NewSession()
	m.sess = sess

	var changes []Change
	if len(creds) == 0 {
		prev := m.snap
		m.snap.State = Pairing
		m.snap.NeedsPairing = true
		changes = m.commitLocked(prev, "")
	}
	observers := m.observers
	m.mu.Unlock()

	m.notify(observers, changes)

	if len(creds) == 0 {
		m.log.Info("no stored credentials; starting pairing")
	} else {
		m.log.Info("connecting with stored credentials", logx.Int("shards", len(creds)))
	}

	if err := sess.Connect(ctx, creds, func(ev transport.Event) { m.handle(gen, ev) }); err != nil {
		m.log.Warn("connect failed", logx.Err(err))
		m.handle(gen, transport.Event{Kind: transport.EventClose, Reason: transport.ReasonConnectionLost, At: time.Now()})
		return errkind.Wrap(errkind.KindConnectionLost, err, "connect")
	}
	return nil
}

// HandleEvent feeds an event for the current session. Session clients
// created by Initialize deliver through a callback bound to their own
// attempt, so events from a superseded client are dropped.
func (m *Manager) HandleEvent(ev transport.Event) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.handle(gen, ev)
}

func (m *Manager) handle(gen uint64, ev transport.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		m.log.Debug("dropping event from superseded session", logx.String("kind", string(ev.Kind)))
		return
	}
	prev := m.snap
	d := Transition(prev, ev)
	m.snap = d.Next

	var ended transport.Session
	if d.EndAttempt {
		ended = m.sess
		m.sess = nil
		m.gen++
	}
	if d.Reconnect {
		m.scheduleLocked()
	}
	changes := m.commitLocked(prev, ev.Reason)
	observers := m.observers
	m.mu.Unlock()

	if ended != nil {
		_ = ended.Close()
	}
	if ev.Kind == transport.EventClose {
		m.metrics.ObserveClose(string(ev.Reason))
		m.log.Warn("session closed",
			logx.String("reason", string(ev.Reason)),
			logx.Bool("terminal", ev.Reason.Terminal()),
			logx.Int("attempts", d.Next.Attempts))
	}
	if d.Persist {
		if err := m.creds.Save(ev.Shard, ev.Data); err != nil {
			m.log.Error("persist credential shard failed", logx.String("shard", ev.Shard), logx.Err(err))
		}
	}
	if d.Wipe {
		if err := m.creds.Wipe(); err != nil {
			m.log.Error("wipe credentials failed", logx.Err(err))
		}
	}
	if d.EmitPairing {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionPairing, Time: ev.At})
		if m.pairing != nil {
			m.pairing.Pairing(m.ctx, ev.Code)
		}
	}
	if d.Alert != "" && m.alerts != nil {
		m.alerts.Alert(m.ctx, d.Alert)
	}
	if d.Next.State == Connected && prev.State != Connected {
		m.log.Info("session connected", logx.String("jid", d.Next.JID))
	}
	if d.Next.State == Failed && prev.State != Failed {
		m.log.Error("reconnect attempts exhausted; gateway unavailable until restart",
			logx.Int("attempts", d.Next.Attempts))
	}
	m.notify(observers, changes)
}

func (m *Manager) scheduleLocked() {
	if m.stopTimer != nil {
		m.stopTimer()
	}
	delay := m.cfg.ReconnectDelay
	m.metrics.IncReconnect()
	m.log.Info("reconnect scheduled", logx.Duration("in", delay))
	m.stopTimer = m.afterFunc(delay, func() {
		m.mu.Lock()
		m.stopTimer = nil
		m.mu.Unlock()
		if err := m.Initialize(m.ctx); err != nil && !errors.Is(err, ErrStopped) {
			m.log.Warn("reconnect attempt failed", logx.Err(err))
		}
	})
}

// commitLocked records a state change, if any, and returns it for observers.
func (m *Manager) commitLocked(prev Snapshot, reason transport.CloseReason) []Change {
	if prev.State == m.snap.State {
		return nil
	}
	now := time.Now()
	m.since = now
	m.metrics.SetSessionState(m.snap.State.String())
	return []Change{{From: prev.State, To: m.snap.State, Reason: reason, Attempts: m.snap.Attempts, At: now}}
}

func (m *Manager) notify(observers []func(Change), changes []Change) {
	for _, c := range changes {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSessionState,
			Time: c.At,
			Data: eventbus.StateChange{From: c.From.String(), To: c.To.String(), Reason: string(c.Reason), Attempts: c.Attempts},
		})
		for _, fn := range observers {
			fn(c)
		}
	}
}

// Send hands text to the live session. It returns transport.ErrNotConnected
// unless the state is Connected.
func (m *Manager) Send(ctx context.Context, to, text string) (string, error) {
	m.mu.Lock()
	sess := m.sess
	connected := m.snap.State == Connected
	m.mu.Unlock()
	if !connected || sess == nil {
		return "", transport.ErrNotConnected
	}
	return sess.Send(ctx, to, text)
}

// Logout asks the network to unlink this device. The terminal close that
// follows wipes the credentials and restarts pairing.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	sess := m.sess
	connected := m.snap.State == Connected
	m.mu.Unlock()
	if !connected || sess == nil {
		return transport.ErrNotConnected
	}
	return sess.Logout(ctx)
}

// Stop cancels pending reconnects and closes the session.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	sess := m.sess
	m.sess = nil
	m.gen++
	m.mu.Unlock()

	m.cancel()
	if sess == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- sess.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
