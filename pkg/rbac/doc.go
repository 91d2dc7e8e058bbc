// Package rbac holds the role catalog and the permission evaluator.
//
// # Roles
//
// A RoleTemplate is a named capability map. Built-in templates (viewer,
// editor, finance, admin) have no organization and are visible to every
// tenant; organizations add their own templates, optionally naming one
// built-in or same-organization parent. A parent may not have a parent.
//
// # Evaluation
//
// Evaluate runs five checks in a fixed order and always runs all of them:
//
//  1. principal_active
//  2. organization_active
//  3. role_capability: the role's own entry, else its parent's, else deny
//  4. override: an explicit membership entry replaces check 3 in either direction
//  5. resource_lock: an optional ResourceLock hook, pass by default
//
// A request is allowed when checks 1, 2 and 5 pass and the effective
// capability from checks 3 and 4 is granted. The primary reason for a denial
// is the first check whose outcome is fail.
//
//	ev := rbac.NewEvaluator(db, rbac.EvaluatorOptions{CacheSize: 10000})
//	d, err := ev.Evaluate(ctx, rbac.Request{PrincipalID: p, OrganizationID: o, Action: "export"})
//
// Decisions are cached by principal, organization, action, resource and
// membership version. Role, organization and principal changes must call
// Invalidate. Code that mutates state evaluates again with EvaluateTx inside
// its transaction instead of trusting the cache.
//
// # Errors
//
// An unknown action returns *ConfigurationError. A principal without a
// membership returns *NotAMemberError, which HTTP handlers render exactly like
// any other denial.
package rbac
