// Package gate executes permission-checked mutations.
//
// Gate.Execute locks the memberships and roles a request names, opens a transaction,
// evaluates the request against that transaction (never the decision cache),
// runs the mutation and appends its audit batch before committing. If the
// audit append fails the mutation is rolled back with it. The decision cache
// is invalidated after every commit.
//
// The built-in operations (member, role, override, organization and
// principal changes) are thin Mutations over orgs.Store and rbac.Store.
// Role, override and role capability changes save a rollback record;
// Gate.Rollback reverses them within the window unless a newer change
// touched the same membership or role.
package gate
