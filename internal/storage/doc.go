// Package storage is the gateway's persistence layer.
//
// It holds:
//   - the append-only interaction log written by the delivery recorder
//   - client profiles used for template defaults
//   - notifier dedup state, so alerts are not repeated across restarts
package storage
