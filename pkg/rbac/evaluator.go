package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
)

// CheckName identifies one step of the permission chain
type CheckName string

// The chain always runs in this order
const (
	CheckPrincipalActive    CheckName = "principal_active"
	CheckOrganizationActive CheckName = "organization_active"
	CheckRoleCapability     CheckName = "role_capability"
	CheckOverride           CheckName = "override"
	CheckResourceLock       CheckName = "resource_lock"
)

// Outcome of a single check
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	// OutcomeSuperseded marks the role check when an explicit override decides
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeNotApplicable marks the override check when no override exists
	OutcomeNotApplicable Outcome = "not_applicable"
)

// CheckResult is one entry of the chain
type CheckResult struct {
	Check   CheckName `json:"check"`
	Outcome Outcome   `json:"outcome"`
	Detail  string    `json:"detail"`
}

// Request asks whether a principal may perform an action in an organization.
// ResourceType and ResourceID are only consulted by the resource lock hook.
type Request struct {
	PrincipalID    int64  `json:"principal_id"`
	OrganizationID int64  `json:"organization_id"`
	Action         string `json:"action"`
	ResourceType   string `json:"resource_type,omitempty"`
	ResourceID     string `json:"resource_id,omitempty"`
}

// Decision is the fully computed chain plus its conjunction
type Decision struct {
	PrincipalID       int64                 `json:"principal_id"`
	OrganizationID    int64                 `json:"organization_id"`
	Action            capability.Capability `json:"action"`
	Allowed           bool                  `json:"allowed"`
	Chain             []CheckResult         `json:"chain"`
	MembershipVersion int64                 `json:"membership_version"`
}

// Primary returns the first failing check, or nil when allowed
func (d *Decision) Primary() *CheckResult {
	for i := range d.Chain {
		if d.Chain[i].Outcome == OutcomeFail {
			return &d.Chain[i]
		}
	}
	return nil
}

// ResourceLock is the extension point for check 5. Implementations must be
// deterministic for a given state; an error fails the check.
type ResourceLock interface {
	Locked(ctx context.Context, req Request) (locked bool, reason string, err error)
}

// ResourceLockFunc adapts a function to ResourceLock
type ResourceLockFunc func(ctx context.Context, req Request) (bool, string, error)

func (f ResourceLockFunc) Locked(ctx context.Context, req Request) (bool, string, error) {
	return f(ctx, req)
}

type cacheKey struct {
	principalID  int64
	orgID        int64
	action       capability.Capability
	resourceType string
	resourceID   string
	version      int64
	generation   uint64
}

// EvaluatorOptions configures an Evaluator
type EvaluatorOptions struct {
	CacheSize int
	CacheTTL  time.Duration
	Lock      ResourceLock
	Metrics   *observability.Metrics
	Logger    *observability.Logger
}

// Evaluator computes permission decisions. Evaluation never writes, so any
// number of goroutines may share one Evaluator.
type Evaluator struct {
	db         *sql.DB
	members    *orgs.Store
	roles      *Store
	lock       ResourceLock
	cache      *lru.LRU[cacheKey, Decision]
	generation atomic.Uint64
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// NewEvaluator creates an evaluator over db. A zero CacheSize disables the
// decision cache.
func NewEvaluator(db *sql.DB, opts EvaluatorOptions) *Evaluator {
	e := &Evaluator{
		db:      db,
		members: orgs.NewStore(db),
		roles:   NewStore(db),
		lock:    opts.Lock,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if e.logger == nil {
		e.logger = observability.NopLogger()
	}
	if opts.CacheSize > 0 {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		e.cache = lru.NewLRU[cacheKey, Decision](opts.CacheSize, nil, ttl)
	}
	return e
}

// Evaluate returns the decision for req, served from cache when the
// membership version and catalog generation are unchanged.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	return e.evaluate(ctx, e.members, e.roles, req, true)
}

// EvaluateTx evaluates against the view of an open transaction and never
// consults the cache. Mutations call it right before executing.
func (e *Evaluator) EvaluateTx(ctx context.Context, tx *sql.Tx, req Request) (*Decision, error) {
	return e.evaluate(ctx, e.members.WithTx(tx), e.roles.WithTx(tx), req, false)
}

// Invalidate drops every cached decision. Call it after any role,
// organization or principal change; membership changes are already covered
// by the version in the cache key.
func (e *Evaluator) Invalidate() {
	e.generation.Add(1)
	if e.cache != nil {
		e.cache.Purge()
	}
}

func (e *Evaluator) evaluate(ctx context.Context, members *orgs.Store, roles *Store, req Request, useCache bool) (*Decision, error) {
	action, err := capability.Parse(req.Action)
	if err != nil {
		return nil, &ConfigurationError{Reason: "unknown action", Err: err}
	}

	membership, err := members.GetMembership(ctx, req.PrincipalID, req.OrganizationID)
	if errors.Is(err, orgs.ErrMembershipNotFound) {
		e.metrics.RecordDecision(false, "not_a_member")
		return nil, &NotAMemberError{PrincipalID: req.PrincipalID, OrganizationID: req.OrganizationID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}

	key := cacheKey{
		principalID:  req.PrincipalID,
		orgID:        req.OrganizationID,
		action:       action,
		resourceType: req.ResourceType,
		resourceID:   req.ResourceID,
		version:      membership.Version,
		generation:   e.generation.Load(),
	}
	if useCache && e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			e.metrics.RecordCacheLookup(true)
			d := cached
			d.Chain = append([]CheckResult(nil), cached.Chain...)
			return &d, nil
		}
		e.metrics.RecordCacheLookup(false)
	}

	principal, err := members.GetPrincipal(ctx, req.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}
	org, err := members.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	role, parent, err := loadRole(ctx, roles, membership.RoleID)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		PrincipalID:       req.PrincipalID,
		OrganizationID:    req.OrganizationID,
		Action:            action,
		MembershipVersion: membership.Version,
	}

	decision.Chain = append(decision.Chain,
		checkPrincipal(principal),
		checkOrganization(org),
	)
	roleCheck, overrideCheck, effective := checkCapability(action, role, parent, membership)
	decision.Chain = append(decision.Chain, roleCheck, overrideCheck, e.checkLock(ctx, req))

	decision.Allowed = decision.Chain[0].Outcome == OutcomePass &&
		decision.Chain[1].Outcome == OutcomePass &&
		effective &&
		decision.Chain[4].Outcome == OutcomePass

	primary := ""
	if p := decision.Primary(); p != nil {
		primary = string(p.Check)
	}
	e.metrics.RecordDecision(decision.Allowed, primary)

	if useCache && e.cache != nil {
		stored := *decision
		stored.Chain = append([]CheckResult(nil), decision.Chain...)
		e.cache.Add(key, stored)
	}
	return decision, nil
}

func loadRole(ctx context.Context, roles *Store, roleID int64) (*RoleTemplate, *RoleTemplate, error) {
	role, err := roles.GetRole(ctx, roleID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load role %d: %w", roleID, err)
	}
	if role.ParentID == nil {
		return role, nil, nil
	}
	parent, err := roles.GetRole(ctx, *role.ParentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load parent role %d: %w", *role.ParentID, err)
	}
	return role, parent, nil
}

func checkPrincipal(p *orgs.Principal) CheckResult {
	if p.Status == orgs.PrincipalActive {
		return CheckResult{Check: CheckPrincipalActive, Outcome: OutcomePass, Detail: "account is active"}
	}
	return CheckResult{Check: CheckPrincipalActive, Outcome: OutcomeFail, Detail: fmt.Sprintf("account is %s", p.Status)}
}

func checkOrganization(o *orgs.Organization) CheckResult {
	if o.Status == orgs.OrgStatusActive {
		return CheckResult{Check: CheckOrganizationActive, Outcome: OutcomePass, Detail: "organization is active"}
	}
	return CheckResult{Check: CheckOrganizationActive, Outcome: OutcomeFail, Detail: fmt.Sprintf("organization is %s", o.Status)}
}

// checkCapability resolves checks 3 and 4 and the effective grant. The role
// map wins over its parent; an explicit override wins over both.
func checkCapability(action capability.Capability, role, parent *RoleTemplate, m *orgs.Membership) (CheckResult, CheckResult, bool) {
	granted, source := false, fmt.Sprintf("role %q does not grant %s", role.Name, action)
	if v, ok := role.Capabilities.Lookup(action); ok {
		granted = v
		if v {
			source = fmt.Sprintf("role %q grants %s", role.Name, action)
		} else {
			source = fmt.Sprintf("role %q denies %s", role.Name, action)
		}
	} else if parent != nil {
		if v, ok := parent.Capabilities.Lookup(action); ok {
			granted = v
			if v {
				source = fmt.Sprintf("role %q grants %s through parent %q", role.Name, action, parent.Name)
			} else {
				source = fmt.Sprintf("role %q denies %s through parent %q", role.Name, action, parent.Name)
			}
		}
	}

	roleCheck := CheckResult{Check: CheckRoleCapability, Outcome: OutcomeFail, Detail: source}
	if granted {
		roleCheck.Outcome = OutcomePass
	}

	override, present := m.Overrides.Lookup(action)
	if !present {
		return roleCheck, CheckResult{
			Check:   CheckOverride,
			Outcome: OutcomeNotApplicable,
			Detail:  fmt.Sprintf("no override for %s", action),
		}, granted
	}

	roleCheck.Outcome = OutcomeSuperseded
	if override {
		return roleCheck, CheckResult{
			Check:   CheckOverride,
			Outcome: OutcomePass,
			Detail:  fmt.Sprintf("explicitly granted %s", action),
		}, true
	}
	return roleCheck, CheckResult{
		Check:   CheckOverride,
		Outcome: OutcomeFail,
		Detail:  fmt.Sprintf("explicitly denied %s", action),
	}, false
}

func (e *Evaluator) checkLock(ctx context.Context, req Request) CheckResult {
	if e.lock == nil {
		return CheckResult{Check: CheckResourceLock, Outcome: OutcomePass, Detail: "no resource lock"}
	}
	locked, reason, err := e.lock.Locked(ctx, req)
	if err != nil {
		e.logger.WithError(err).WithField("resource_type", req.ResourceType).Warn("resource lock check failed")
		return CheckResult{Check: CheckResourceLock, Outcome: OutcomeFail, Detail: "resource lock state unavailable"}
	}
	if locked {
		if reason == "" {
			reason = "resource is locked"
		}
		return CheckResult{Check: CheckResourceLock, Outcome: OutcomeFail, Detail: reason}
	}
	return CheckResult{Check: CheckResourceLock, Outcome: OutcomePass, Detail: "resource is not locked"}
}
