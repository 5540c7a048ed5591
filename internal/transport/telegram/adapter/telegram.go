// Package adapter is the Telegram operator channel: it delivers alerts and
// log lines to an operator chat and answers a small set of commands there.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"msgate/internal/runtime/supervisor"
	"msgate/internal/transport"
	"msgate/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// OwnerIDs may use operator commands. Empty disables commands.
	OwnerIDs []int64
}

// StatusFunc renders the gateway status for the /status command.
type StatusFunc func(ctx context.Context) string

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	status  StatusFunc
	running bool
}

// New builds the bot without contacting Telegram; polling begins in Start.
func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	b.Handle("/status", a.onStatus)
	b.Handle("/ping", func(c tele.Context) error {
		if !a.owner(c) {
			return nil
		}
		return c.Reply("pong")
	})
	return a, nil
}

// SetStatusFunc wires the /status command.
func (a *Adapter) SetStatusFunc(fn StatusFunc) {
	a.mu.Lock()
	a.status = fn
	a.mu.Unlock()
}

func (a *Adapter) owner(c tele.Context) bool {
	s := c.Sender()
	if s == nil {
		return false
	}
	for _, id := range a.cfg.OwnerIDs {
		if id == s.ID {
			return true
		}
	}
	return false
}

func (a *Adapter) onStatus(c tele.Context) error {
	if !a.owner(c) {
		return nil
	}
	a.mu.Lock()
	fn := a.status
	a.mu.Unlock()
	if fn == nil {
		return c.Reply("status unavailable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Reply(fn(ctx))
}

// Start begins long polling when owners are configured. Sending works
// without Start.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running || len(a.cfg.OwnerIDs) == 0 {
		return nil
	}
	a.running = true
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until Stop; it can also return early on a poller
	// failure, so it runs under a restart loop.
	a.sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop never blocks shutdown longer than two seconds on a pending long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.running = false
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

// SendText implements transport.TextSender. Long texts go out as several
// messages split on line boundaries.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	html := strings.EqualFold(parseMode, "HTML")
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if html && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
