// Package notifier is the alert sink: short text alerts POSTed to Feishu
// incoming webhooks.
//
// # Channels
//
// Each alert names a channel (benchmark, fluctuation, connectivity, usage).
// A channel without its own webhook URL falls back to "default"; when neither
// is configured the sink logs the text instead of sending it.
//
// # Delivery
//
// Delivery is best-effort: one attempt, bounded by the configured timeout and
// a shared token bucket. Failures are logged and published on the event bus,
// never returned to the caller.
package notifier
