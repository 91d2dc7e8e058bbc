// Package drift finds memberships that share the same explicit overrides on
// top of the same role and proposes turning each such group into a role of
// its own.
//
// Analyzer.Analyze is read-only. A group qualifies once it reaches
// Config.MinSize members and Config.MinShare of the role's population.
// Patterns carry a stable id derived from the organization, base role and
// override set, so a proposal can be applied later by id. Analyzer.Apply
// runs through the gate: it re-checks that every covered membership is
// unchanged, creates the role and moves the members onto it in one audited
// batch that can be rolled back.
package drift
