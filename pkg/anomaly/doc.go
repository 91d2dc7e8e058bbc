// Package anomaly flags abnormal access to sensitive fields.
//
// Detector.Score compares a live access event with the principal's
// baseline. Each check can only raise severity:
//
//   - volume: the day's records at 5x the mean daily volume is high, 20x is
//     critical
//   - hour: access in the unusual window (22:00 to 06:00 UTC) at an hour the
//     principal has never been active is medium
//   - origin: an origin outside the baseline is medium; an unknown client
//     signature alone is low
//   - masking bypass: sorting by a masked field, or probing one with several
//     predicates, is critical regardless of volume
//
// An alert is raised only at medium or above and only when the baseline has
// enough samples. Monitor runs the pipeline: score, optionally contain (for
// critical alerts, and only when the organization's policy enables it),
// persist to AlertStore, publish to subscribers, then learn the event.
// Failures anywhere degrade to no alert; access itself is never blocked.
package anomaly
