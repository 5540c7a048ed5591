// Package app wires the gateway together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"msgate/internal/config"
	"msgate/internal/eventbus"
	"msgate/internal/httpapi"
	"msgate/internal/notifier"
	"msgate/internal/observability/metrics"
	"msgate/internal/outbound"
	"msgate/internal/phone"
	"msgate/internal/profile"
	"msgate/internal/recorder"
	"msgate/internal/runtime/supervisor"
	"msgate/internal/session"
	"msgate/internal/storage"
	"msgate/internal/template"
	"msgate/internal/transport"
	"msgate/internal/transport/bridge"
	telegram "msgate/internal/transport/telegram/adapter"
	"msgate/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store storage.Store
	rdb   *redis.Client

	adapter *telegram.Adapter // nil without a bot token
	notif   *notifier.Service
	rec     *recorder.Async // nil without storage
	sess    *session.Manager
	out     *outbound.Dispatcher
	http    *httpapi.Server
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	cfgm := config.NewManager(cfgPath, env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")

	var (
		ad     *telegram.Adapter
		sender transport.TextSender
	)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
			OwnerIDs:    cfg.Telegram.OwnerUserIDs,
		}, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = ad
	}

	// Bootstrap with the Telegram sink off, set the target, then apply the
	// real config so Apply does not warn about a missing chat.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, sender)
	logSvc.SetTelegramTarget(cfg.Telegram.ChatID, cfg.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := eventbus.New()

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus, reg: reg, adapter: ad}
	if err := a.build(ctx, cfg, sender, m); err != nil {
		a.closeBackends()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, sender transport.TextSender, m *metrics.Metrics) error {
	log := a.log

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var lookup profile.Lookup
	if store != nil {
		lookup = profile.StoreLookup{Store: store}
		if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
			ttl, err := config.ParseDurationOrDefault("redis.profile_ttl", cfg.Redis.ProfileTTL, profile.DefaultCacheTTL)
			if err != nil {
				return err
			}
			a.rdb = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			lookup = profile.NewCached(lookup, a.rdb, ttl, log)
			log.Info("profile cache enabled", logx.String("addr", addr), logx.Duration("ttl", ttl))
		}
	} else if cfg.Redis.Addr != "" {
		log.Warn("redis configured without storage; profile cache disabled")
	}

	var extra []template.Template
	if f := strings.TrimSpace(cfg.Templates.File); f != "" {
		if extra, err = template.LoadFile(f); err != nil {
			return err
		}
	}
	templates := template.New(profile.Defaults{Lookup: lookup}, log.With(logx.String("comp", "template")), extra...)

	var rec recorder.Recorder = recorder.Nop{}
	if store != nil {
		rc, err := mapRecorderConfig(cfg)
		if err != nil {
			return err
		}
		a.rec = recorder.NewAsync(rc, store, m, log)
		rec = a.rec
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	var dedup notifier.DedupStore
	if store != nil {
		dedup = store
	}
	a.notif = notifier.New(nc, sender, dedup, a.bus, m, log)

	sessCfg, bridgeCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return err
	}
	sinks := pairingSinks(cfg, a.notif, os.Stdout, log)
	a.sess = session.NewManager(sessCfg, session.Deps{
		Dialer:  bridge.NewDialer(bridgeCfg, log.With(logx.String("comp", "bridge"))),
		Creds:   session.NewDirStore(credentialsDir(cfg)),
		Pairing: sinks,
		Alerts:  a.notif,
		Bus:     a.bus,
		Metrics: m,
		Log:     log,
	})

	oc, err := mapOutboundConfig(cfg)
	if err != nil {
		return err
	}
	a.out = outbound.New(oc, outbound.Deps{
		Session:   a.sess,
		Templates: templates,
		Phone:     phone.New(cfg.Phone.CountryCode, cfg.Phone.AddressSuffix),
		Recorder:  rec,
		Bus:       a.bus,
		Metrics:   m,
		Log:       log,
	})

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http = httpapi.New(hc, httpapi.Deps{
		Gateway:  a.out,
		Logout:   a.sess.Logout,
		Ready:    a.ready,
		Gatherer: a.reg,
		Log:      log,
	})

	if a.adapter != nil {
		a.adapter.SetStatusFunc(a.statusText)
	}
	log.Debug("templates loaded", logx.String("names", strings.Join(templates.Names(), ",")))
	return nil
}

// ready reports whether the configured backends answer.
func (a *App) ready(ctx context.Context) error {
	if a.store != nil {
		if err := a.store.Ping(ctx); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// statusText renders the /status reply.
func (a *App) statusText(context.Context) string {
	st := a.out.Status()
	ss := a.sess.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", st.State)
	fmt.Fprintf(&b, "connected: %t\n", st.Connected)
	fmt.Fprintf(&b, "queue: %d\n", st.QueueSize)
	if st.NeedsPairing {
		b.WriteString("pairing required\n")
	}
	if ss.Attempts > 0 {
		fmt.Fprintf(&b, "reconnect attempts: %d\n", ss.Attempts)
	}
	fmt.Fprintf(&b, "since: %s", ss.Since.Format(time.RFC3339))
	if h := a.notif.History(); len(h) > 0 {
		last := h[len(h)-1]
		fmt.Fprintf(&b, "\nlast notice: %s %s", last.At.Format(time.RFC3339), last.Text)
	}
	return b.String()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if f := strings.TrimSpace(cfg.Templates.File); f != "" {
			if _, err := template.LoadFile(f); err != nil {
				return err
			}
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		_, err := mapOutboundConfig(cfg)
		return err
	})

	run := a.sup.Context()
	if a.adapter != nil {
		if err := a.adapter.Start(run); err != nil {
			return err
		}
	}
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if a.rec != nil {
		a.rec.Start(run)
	}

	a.sess.Observe(func(c session.Change) {
		sdStatus(a.log, "session "+c.To.String())
	})
	a.out.Start()

	a.sup.Go("http", a.http.Serve)
	a.sup.Go0("session.init", func(c context.Context) {
		if err := a.sess.Initialize(c); err != nil {
			a.log.Warn("session initialize", logx.Err(err))
		}
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug only; drains publish every interval.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) { sdWatchdog(c, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts: keep only the latest config in the channel.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}

		change := config.Diff(lastApplied, newCfg)
		lastApplied = newCfg
		if change.Empty() {
			a.log.Info("config reloaded (no changes)")
			continue
		}
		if len(change.Restart) > 0 {
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("sections", strings.Join(change.Restart, ",")))
		}
		a.applyLive(c, newCfg)
		fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

// applyLive applies the sections that do not need a restart.
func (a *App) applyLive(c context.Context, cfg *config.Config) {
	// Target first so Apply does not warn when the Telegram sink is on.
	a.logs.SetTelegramTarget(cfg.Telegram.ChatID, cfg.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(cfg))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	was := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch now := a.notif.Enabled(); {
	case was && !now:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		_ = a.notif.Stop(stopCtx)
		cancel()
	case !was && now:
		a.log.Info("notifier enabled via config")
		a.notif.Start(c)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel first so the HTTP listener and background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, max, fn)
	}

	step("outbound", 2*time.Second, a.out.Stop)
	step("session", 3*time.Second, a.sess.Stop)
	step("notifier", 2*time.Second, a.notif.Stop)
	step("recorder", 2*time.Second, func(c context.Context) error {
		if a.rec != nil {
			return a.rec.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("backends", 1*time.Second, func(context.Context) error {
		a.closeBackends()
		return nil
	})

	// Finally, wait for supervised goroutines (http, config watch/reload, etc.)
	step("supervisor", 3*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) closeBackends() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis close", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}
}

// runStep runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			max = time.Millisecond
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
