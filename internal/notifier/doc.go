// Package notifier turns pipeline failures into operator alerts.
//
// Selected lifecycle events (by default post.failed and invariant.violation)
// are formatted, deduplicated and queued. A small worker pool delivers them
// through a transport.Sender under a token-bucket rate limit, retrying failed
// sends with backoff. Alerts are best-effort: a full queue drops them and the
// pipeline never waits on delivery.
package notifier
