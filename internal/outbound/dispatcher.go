// Package outbound accepts send requests, queues them while the session is
// down and drains the queue in paced batches.
package outbound

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"msgate/internal/errkind"
	"msgate/internal/eventbus"
	"msgate/internal/observability/metrics"
	"msgate/internal/phone"
	"msgate/internal/recorder"
	"msgate/internal/session"
	"msgate/internal/storage"
	"msgate/internal/transport"
	"msgate/pkg/logx"
)

const (
	DefaultDrainInterval = 2 * time.Second
	DefaultBatchSize     = 5
	DefaultMessageDelay  = time.Second
)

var ErrEmptyBody = errors.New("message body is empty")

type Config struct {
	DrainInterval time.Duration
	BatchSize     int
	MessageDelay  time.Duration
	Channel       string // recorded on interactions, e.g. "whatsapp"
}

// Session is what the dispatcher needs from the connection manager.
type Session interface {
	Status() session.Status
	Send(ctx context.Context, to, text string) (string, error)
	Observe(fn func(session.Change))
}

type Renderer interface {
	Has(name string) bool
	Render(ctx context.Context, name string, vars map[string]string, clientID string) (string, error)
}

type SendRequest struct {
	Recipient    string            `json:"recipient"`
	Body         string            `json:"body,omitempty"`
	TemplateName string            `json:"template,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	ClientID     string            `json:"client_id,omitempty"`
}

type Result struct {
	Accepted  bool         `json:"accepted"`
	Queued    bool         `json:"queued"`
	MessageID string       `json:"message_id,omitempty"`
	NetworkID string       `json:"network_id,omitempty"`
	Error     errkind.Kind `json:"error,omitempty"`
}

type Status struct {
	Connected    bool   `json:"connected"`
	QueueSize    int    `json:"queue_size"`
	NeedsPairing bool   `json:"needs_pairing"`
	State        string `json:"state"`
}

type Deps struct {
	Session   Session
	Templates Renderer
	Phone     phone.Normalizer
	Recorder  recorder.Recorder
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

type Dispatcher struct {
	cfg       Config
	sess      Session
	templates Renderer
	phone     phone.Normalizer
	rec       recorder.Recorder
	bus       eventbus.Bus
	metrics   *metrics.Metrics
	log       logx.Logger

	q        Queue
	draining atomic.Bool
	limiter  *rate.Limiter

	mu      sync.Mutex
	cron    *cron.Cron
	stopped bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, d Deps) *Dispatcher {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MessageDelay < 0 {
		cfg.MessageDelay = 0
	}
	if cfg.Channel == "" {
		cfg.Channel = "whatsapp"
	}
	if d.Recorder == nil {
		d.Recorder = recorder.Nop{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.MessageDelay > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.MessageDelay), 1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		sess:      d.Session,
		templates: d.Templates,
		phone:     d.Phone,
		rec:       d.Recorder,
		bus:       d.Bus,
		metrics:   d.Metrics,
		log:       d.Log.With(logx.String("comp", "outbound")),
		limiter:   lim,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// NewMessageID returns a sortable id with a "msg_" prefix.
func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}

// Start schedules the periodic drain and kicks a drain on every transition
// into Connected.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return
	}
	cl := cronLogger{log: d.log}
	d.cron = cron.New(cron.WithLogger(cl))
	job := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() { d.Drain(d.ctx) }))
	d.cron.Schedule(cron.Every(d.cfg.DrainInterval), job)
	d.cron.Start()

	d.sess.Observe(func(c session.Change) {
		if c.To != session.Connected {
			return
		}
		// wg.Add must not race Stop's Wait.
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		d.wg.Add(1)
		d.mu.Unlock()
		go func() {
			defer d.wg.Done()
			d.Drain(d.ctx)
		}()
	})
	d.log.Info("dispatcher started",
		logx.Duration("drain_interval", d.cfg.DrainInterval),
		logx.Int("batch_size", d.cfg.BatchSize),
		logx.Duration("message_delay", d.cfg.MessageDelay))
}

// Stop halts the schedule and waits for a running drain. Queued messages are
// discarded with the process.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	c := d.cron
	d.cron = nil
	d.stopped = true
	d.mu.Unlock()

	d.cancel()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	go func() { d.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n := d.q.Len(); n > 0 {
		d.log.Warn("dropping queued messages on shutdown", logx.Int("count", n))
	}
	return nil
}

func (d *Dispatcher) Status() Status {
	st := d.sess.Status()
	return Status{
		Connected:    st.Connected,
		QueueSize:    d.q.Len(),
		NeedsPairing: st.NeedsPairing,
		State:        st.State.String(),
	}
}

// Send validates req and either dispatches it now or queues it.
//
// Validation failures return an errkind error and leave the queue untouched.
// Once connected, a message only skips the queue when the queue is empty and
// no drain is running, so accepted messages keep FIFO order.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (Result, error) {
	st := d.sess.Status()
	if st.State == session.Failed {
		d.metrics.ObserveSend("rejected")
		return Result{Error: errkind.KindGatewayUnavailable}, errkind.ErrGatewayUnavailable
	}

	to, err := d.phone.Normalize(req.Recipient)
	if err != nil {
		d.metrics.ObserveSend("rejected")
		return Result{Error: errkind.KindInvalidRecipient}, err
	}
	name := strings.TrimSpace(req.TemplateName)
	if name != "" {
		if !d.templates.Has(name) {
			d.metrics.ObserveSend("rejected")
			return Result{Error: errkind.KindTemplateNotFound}, errkind.New(errkind.KindTemplateNotFound, name)
		}
	} else if strings.TrimSpace(req.Body) == "" {
		d.metrics.ObserveSend("rejected")
		return Result{}, ErrEmptyBody
	}

	msg := Message{
		ID:           NewMessageID(),
		Recipient:    to,
		Body:         req.Body,
		TemplateName: name,
		Variables:    req.Variables,
		ClientID:     req.ClientID,
	}
	entry := Entry{Message: msg, EnqueuedAt: time.Now()}

	if !st.Connected {
		return d.enqueue(entry, "disconnected"), nil
	}
	queued, size := d.q.pushIf(entry, func(n int) bool { return n > 0 || d.draining.Load() })
	if queued {
		d.afterEnqueue(entry, size, "backlog")
		return Result{Accepted: true, Queued: true, MessageID: msg.ID}, nil
	}

	netID, err := d.dispatch(ctx, msg)
	switch {
	case err == nil:
		d.metrics.ObserveSend("sent")
		return Result{Accepted: true, MessageID: msg.ID, NetworkID: netID}, nil
	case errors.Is(err, transport.ErrNotConnected):
		return d.enqueue(entry, "session dropped"), nil
	default:
		d.metrics.ObserveSend("failed")
		return Result{MessageID: msg.ID, Error: errkind.KindDispatchFailed},
			errkind.Wrap(errkind.KindDispatchFailed, err, "message %s", msg.ID)
	}
}

func (d *Dispatcher) enqueue(e Entry, why string) Result {
	size := d.q.Push(e)
	d.afterEnqueue(e, size, why)
	return Result{Accepted: true, Queued: true, MessageID: e.ID}
}

func (d *Dispatcher) afterEnqueue(e Entry, size int, why string) {
	d.metrics.ObserveSend("queued")
	d.metrics.SetQueueSize(size)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeMessageQueued, Data: eventbus.MessageEvent{ID: e.ID, To: logx.MaskRecipient(e.Recipient)}})
	d.log.Debug("message queued", logx.String("id", e.ID), logx.String("why", why), logx.Int("queue_size", size))
}

// Drain sends at most one batch. Concurrent calls return immediately while
// a drain is in flight.
func (d *Dispatcher) Drain(ctx context.Context) eventbus.DrainResult {
	var res eventbus.DrainResult
	if !d.draining.CompareAndSwap(false, true) {
		d.metrics.ObserveDrain("skipped")
		return res
	}
	defer d.draining.Store(false)

	if !d.sess.Status().Connected {
		d.metrics.ObserveDrain("idle")
		res.Remaining = d.q.Len()
		return res
	}
	batch := d.q.PopBatch(d.cfg.BatchSize)
	if len(batch) == 0 {
		d.metrics.ObserveDrain("idle")
		return res
	}
	d.metrics.ObserveDrain("ran")
	start := time.Now()

	for i, e := range batch {
		if err := d.limiter.Wait(ctx); err != nil {
			res.Requeued = len(batch) - i
			d.q.PushFront(batch[i:]...)
			break
		}
		_, err := d.dispatch(ctx, e.Message)
		if errors.Is(err, transport.ErrNotConnected) {
			res.Requeued = len(batch) - i
			d.q.PushFront(batch[i:]...)
			d.log.Info("session dropped mid-batch; returning messages to queue", logx.Int("count", res.Requeued))
			break
		}
		if err != nil {
			res.Failed++
			d.metrics.ObserveSend("failed")
			d.log.Warn("queued message dropped after dispatch failure",
				logx.String("id", e.ID), logx.Recipient("to", e.Recipient),
				logx.Duration("waited", time.Since(e.EnqueuedAt)), logx.Err(err))
			continue
		}
		res.Sent++
		d.metrics.ObserveSend("sent")
	}

	res.Remaining = d.q.Len()
	res.Took = time.Since(start)
	d.metrics.SetQueueSize(res.Remaining)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDrainDone, Data: res})
	d.log.Debug("drain finished", logx.Int("sent", res.Sent), logx.Int("failed", res.Failed),
		logx.Int("requeued", res.Requeued), logx.Int("remaining", res.Remaining))
	return res
}

// dispatch renders msg and hands it to the session. Successful sends with a
// client id are recorded.
func (d *Dispatcher) dispatch(ctx context.Context, msg Message) (string, error) {
	text := msg.Body
	if msg.TemplateName != "" {
		var err error
		text, err = d.templates.Render(ctx, msg.TemplateName, msg.Variables, msg.ClientID)
		if err != nil {
			return "", err
		}
	}

	start := time.Now()
	netID, err := d.sess.Send(ctx, msg.Recipient, text)
	d.metrics.ObserveDispatch(time.Since(start))
	if err != nil {
		if !errors.Is(err, transport.ErrNotConnected) {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeMessageFailed,
				Data: eventbus.MessageEvent{ID: msg.ID, To: logx.MaskRecipient(msg.Recipient), Error: err.Error()}})
		}
		return "", err
	}

	d.bus.Publish(eventbus.Event{Type: eventbus.TypeMessageSent,
		Data: eventbus.MessageEvent{ID: msg.ID, To: logx.MaskRecipient(msg.Recipient), NetworkID: netID}})
	d.log.Info("message dispatched", logx.String("id", msg.ID), logx.Recipient("to", msg.Recipient), logx.String("network_id", netID))

	if msg.ClientID != "" {
		d.rec.Record(ctx, storage.Interaction{
			At:        time.Now(),
			ClientID:  msg.ClientID,
			MessageID: msg.ID,
			NetworkID: netID,
			Recipient: msg.Recipient,
			Template:  msg.TemplateName,
			Body:      text,
			Channel:   d.cfg.Channel,
			Direction: "outbound",
		})
	}
	return netID, nil
}
