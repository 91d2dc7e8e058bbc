// Package masking controls who sees raw financial values.
//
// Principals holding view_financials get the value. Everyone else gets a
// RelativeIndicator: an impact level, the lower edge of the value's
// percentile bucket within its own category, and a fixed qualitative hint.
// Indicators are never compared across categories and never carry a peer
// average or any other figure that could be combined with the percentile to
// solve for the value.
//
// Callers name records by id. The value always comes from a RecordSource and
// must be part of the category's Distribution, so a reader cannot submit
// chosen values to map out bucket edges.
//
// Every indicator passes Config.Verify before it is returned. A rejected
// indicator is withheld; the raw value is never used as a fallback.
//
// Only principals who can read in the organization get any result: a
// locked principal or suspended organization is denied outright.
//
// Each call is recorded as a sensitive-access event (counts and metadata
// only) before any result is returned.
package masking
