// Package scheduler decides which scan targets are due and in what order.
//
// Each target's effective priority is
//
//	priority = base_priority * (1 + watch_boost*[watched]) * (1 + volatility*volatility_weight)
//
// and its re-scan interval is max(min_interval, base_interval/priority),
// spread by a per-scan jitter factor in [1-jitter, 1+jitter] so targets
// registered together drift apart.
//
// The main components are:
//
//   - [Scheduler]: the target registry, priority queue and tick loop
//   - [Config]: interval, boost and jitter tuning
//
// Volatility is an EWMA of "changed" observations reported through
// [Scheduler.Complete]: targets whose state flips often are scanned more
// frequently.
package scheduler
