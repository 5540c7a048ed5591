// Package notifier delivers operator alerts over the operator chat.
//
// Alerts go through a bounded queue served by a small worker pool with a
// shared rate limit, retry with jittered backoff and a dedup window so a
// flapping session does not flood the chat. Dedup keys can be persisted so
// the window survives a restart.
//
// Service satisfies the session package's AlertSink and PairingSink.
package notifier
