// Package logx configures msgate's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional operator sink that mirrors warnings to a Telegram chat
//     (min-level + rate limiting), so pairing problems are visible off-box
package logx
