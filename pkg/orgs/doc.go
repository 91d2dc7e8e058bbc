// Package orgs stores the tenant membership graph: principals, organizations and the
// memberships joining them.
//
// A membership carries a role reference and a flat override map of explicit capability
// grants and denials. Every write goes through an optimistic version check, so a stale
// reader (a rollback racing a newer change, for example) gets ErrVersionConflict instead
// of overwriting newer state.
//
// Override keys that are no longer part of the capability vocabulary are loaded into
// StaleOverrides. They are never evaluated and UpdateMembership refuses to write the
// membership until ClearStaleOverrides has removed them.
package orgs
