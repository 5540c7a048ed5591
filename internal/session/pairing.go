package session

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mdp/qrterminal/v3"

	"msgate/pkg/logx"
)

// PairingSink receives the pairing token an operator must scan.
type PairingSink interface {
	Pairing(ctx context.Context, code string)
}

// AlertSink receives operator alerts (session invalidated, gateway failed).
type AlertSink interface {
	Alert(ctx context.Context, text string)
}

type PairingFunc func(ctx context.Context, code string)

func (f PairingFunc) Pairing(ctx context.Context, code string) { f(ctx, code) }

type AlertFunc func(ctx context.Context, text string)

func (f AlertFunc) Alert(ctx context.Context, text string) { f(ctx, text) }

// ConsoleSink renders the token as a QR code on a terminal.
type ConsoleSink struct {
	Out io.Writer
	Log logx.Logger
}

func (s ConsoleSink) Pairing(_ context.Context, code string) {
	out := s.Out
	if out == nil {
		out = os.Stdout
	}
	s.Log.Info("pairing required: scan the QR code with the phone app", logx.Int("code_len", len(code)))
	fmt.Fprintln(out)
	qrterminal.GenerateHalfBlock(code, qrterminal.L, out)
	fmt.Fprintln(out)
}

// LogSink writes the raw token to the log, for hosts without a terminal.
// Anyone who can read the log can pair a device with it.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Pairing(_ context.Context, code string) {
	s.Log.Warn("pairing required: render this code as a QR and scan it with the phone app",
		logx.String("code", code))
}

// MultiSink fans a token out to several sinks in order.
type MultiSink []PairingSink

func (m MultiSink) Pairing(ctx context.Context, code string) {
	for _, s := range m {
		if s != nil {
			s.Pairing(ctx, code)
		}
	}
}
