// Package baseline learns what normal sensitive-data access looks like for
// each principal.
//
// A Baseline keeps per-day record counts, an hour-of-day histogram and the
// origins and client signatures seen within a rolling window (90 days by
// default). It never holds the values that were read. Confidence grows
// linearly with the number of access events up to 1; below the configured
// floor Config.Check returns *InsufficientBaselineError and detectors must
// withhold judgment.
//
// Baselines are a cache over the audit ledger: Tracker.RecomputeFromHistory
// rebuilds one from sensitive.access events at any time. MemoryStore serves
// tests and single-node deployments, RedisStore shares baselines between
// instances. AsyncTracker moves updates off the request path.
package baseline
