package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"msgate/internal/eventbus"
	"msgate/internal/observability/metrics"
	"msgate/internal/runtime/supervisor"
	"msgate/internal/transport"
	"msgate/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	PriorityInfo  = 5
	PriorityWarn  = 7
	PriorityAlert = 9
)

const historyLimit = 200

type job struct {
	n   transport.Notification
	key string
}

type dedupMark struct {
	key   string
	until time.Time
}

// Service is safe for concurrent use. Start and Stop may be called again
// after a config reload.
type Service struct {
	log     logx.Logger
	sender  transport.TextSender
	bus     eventbus.Bus
	store   DedupStore
	metrics *metrics.Metrics

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	queue     chan job
	persist   chan dedupMark
	sup       *supervisor.Supervisor
	inflight  sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New returns a stopped service. sender may be nil, in which case every
// notification fails with ErrDisabled.
func New(cfg Config, sender transport.TextSender, store DedupStore, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		sender:  sender,
		bus:     bus,
		store:   store,
		metrics: m,
		dedup:   map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the config. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMax <= 0 {
		cfg.DedupMax = 1000
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil && s.cfg.ChatID != 0
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			return s.worker(c, q)
		})
	}
	if s.cfg.PersistDedup && s.store != nil {
		s.persist = make(chan dedupMark, 64)
		p := s.persist
		s.sup.GoRestart("notifier.dedup", func(c context.Context) error {
			return s.persistLoop(c, p)
		})
	}
	s.log.Debug("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop stops intake and lets workers drain the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q, p, sup := s.queue, s.persist, s.sup
	if q == nil {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	s.queue, s.persist, s.sup = nil, nil, nil
	s.mu.Unlock()

	s.inflight.Wait()
	close(q)
	if p != nil {
		close(p)
	}
	err := sup.Wait(ctx)
	if err != nil {
		sup.Cancel()
	}
	return err
}

// Notify queues n. Duplicates inside the dedup window are dropped silently.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg, q, p := s.cfg, s.queue, s.persist
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if n.Target.ChatID == 0 {
		n.Target = transport.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	}
	key := dedupKey(n)
	if cfg.DedupWindow > 0 && !s.allow(ctx, key, cfg, p) {
		s.metrics.ObserveNotify("deduped")
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		return nil
	default:
		s.metrics.ObserveNotify("dropped")
		return ErrQueueFull
	}
}

// Alert sends a high priority notice to the default chat.
func (s *Service) Alert(ctx context.Context, text string) {
	err := s.Notify(ctx, transport.Notification{Channel: "telegram", Priority: PriorityAlert, Text: text})
	if err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("alert not queued", logx.Err(err))
	}
}

// Pairing tells the operator a scan is pending. The token itself stays on
// the console.
func (s *Service) Pairing(ctx context.Context, _ string) {
	err := s.Notify(ctx, transport.Notification{
		Channel:  "telegram",
		Priority: PriorityWarn,
		Text:     "Pairing required: the pairing code is on the gateway console or in its log.",
	})
	if err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("pairing notice not queued", logx.Err(err))
	}
}

// History returns recently delivered texts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

func (s *Service) worker(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) persistLoop(ctx context.Context, p <-chan dedupMark) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-p:
			if !ok {
				return nil
			}
			cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			err := s.store.PutDedup(cctx, m.key, m.until)
			cancel()
			if err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := priorityPrefix(j.n.Priority) + j.n.Text
	ev := Event{ChatID: j.n.Target.ChatID, Key: j.key}
	attempts := 1 + cfg.RetryMax

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = s.sender.SendText(cctx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.remember(text)
			s.metrics.ObserveNotify("sent")
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Time: time.Now(), Data: ev})
			return
		}
		s.log.Debug("notify attempt failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	ev.Error = err.Error()
	s.metrics.ObserveNotify("failed")
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Time: time.Now(), Data: ev})
	s.log.Warn("notification dropped", logx.Int("attempts", attempts), logx.Err(err))
}

// allow reports whether key is outside its dedup window and opens a new one.
func (s *Service) allow(ctx context.Context, key string, cfg Config, p chan<- dedupMark) bool {
	now := time.Now()
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMax {
		var (
			oldest   string
			earliest time.Time
		)
		for k, u := range s.dedup {
			if oldest == "" || u.Before(earliest) {
				oldest, earliest = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if p != nil {
		select {
		case p <- dedupMark{key: key, until: until}:
		default:
		}
	}
	return true
}

func priorityPrefix(p int) string {
	switch {
	case p >= PriorityAlert:
		return "🚨 "
	case p >= PriorityWarn:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	}
	return ""
}

func dedupKey(n transport.Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d|%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return fmt.Sprintf("notify:%x", h.Sum64())
}

// backoff is base*2^(attempt-1) capped at RetryMaxDelay, with ±30% jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
