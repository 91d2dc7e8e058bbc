package drift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tenantguard/pkg/async"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/gate"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/storage"
)

// Namer phrases a pattern as a role name and description. It is an
// external text service; the analyzer never waits on it past the timeout.
type Namer interface {
	Name(ctx context.Context, p Pattern) (name, description string, err error)
}

// NamerFunc adapts a function to Namer
type NamerFunc func(ctx context.Context, p Pattern) (string, string, error)

func (f NamerFunc) Name(ctx context.Context, p Pattern) (string, string, error) {
	return f(ctx, p)
}

// Options configures an Analyzer
type Options struct {
	Config  Config
	Namer   Namer
	Workers int
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Analyzer finds override drift and migrates it into roles
type Analyzer struct {
	members *orgs.Store
	roles   *rbac.Store
	gate    *gate.Gate
	cfg     Config
	namer   Namer
	workers int
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewAnalyzer creates an analyzer reading from db and migrating through g.
// It registers the drift migration reverser on the gate's audit store.
func NewAnalyzer(db storage.DBTX, g *gate.Gate, opts Options) *Analyzer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	a := &Analyzer{
		members: orgs.NewStore(db),
		roles:   rbac.NewStore(db),
		gate:    g,
		cfg:     opts.Config.normalized(),
		namer:   opts.Namer,
		workers: opts.Workers,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if g != nil {
		g.Events().RegisterReverser(RollbackKind, reverser{})
	}
	return a
}

// Analyze proposes patterns for orgID, highest confidence first
func (a *Analyzer) Analyze(ctx context.Context, orgID int64) ([]Pattern, error) {
	memberships, err := a.members.ListMemberships(ctx, orgID)
	if err != nil {
		return nil, err
	}

	byRole := make(map[int64][]*orgs.Membership)
	var roleIDs []int64
	for _, m := range memberships {
		if _, ok := byRole[m.RoleID]; !ok {
			roleIDs = append(roleIDs, m.RoleID)
		}
		byRole[m.RoleID] = append(byRole[m.RoleID], m)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.workers)
	found := make([][]Pattern, len(roleIDs))
	for i, roleID := range roleIDs {
		i, roleID := i, roleID
		eg.Go(func() error {
			role, err := a.roles.GetRole(egCtx, roleID)
			if err != nil {
				return fmt.Errorf("failed to load role %d: %w", roleID, err)
			}
			found[i] = a.bucket(orgID, role, byRole[roleID])
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var patterns []Pattern
	for _, ps := range found {
		patterns = append(patterns, ps...)
	}
	for i := range patterns {
		patterns[i].SuggestedName, patterns[i].Description = a.name(ctx, patterns[i])
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].ID < patterns[j].ID
	})

	a.metrics.RecordDriftProposals(len(patterns))
	return patterns, nil
}

// bucket groups one role's memberships by canonical override key.
// Memberships with stale override keys cannot be migrated and are only
// counted towards the population.
func (a *Analyzer) bucket(orgID int64, role *rbac.RoleTemplate, members []*orgs.Membership) []Pattern {
	buckets := make(map[string][]*orgs.Membership)
	for _, m := range members {
		if len(m.Overrides) == 0 || len(m.StaleOverrides) > 0 {
			continue
		}
		key := m.Overrides.CanonicalKey()
		buckets[key] = append(buckets[key], m)
	}

	var patterns []Pattern
	for _, bucket := range buckets {
		if !a.cfg.qualifies(len(bucket), len(members)) {
			continue
		}
		overrides := bucket[0].Overrides.Clone()
		p := Pattern{
			ID:             PatternID(orgID, role.ID, overrides),
			OrganizationID: orgID,
			BaseRoleID:     role.ID,
			BaseRoleName:   role.Name,
			Overrides:      overrides,
			RolePopulation: len(members),
			Share:          float64(len(bucket)) / float64(len(members)),
			Confidence:     confidence(len(bucket), len(members)),
		}
		for _, m := range bucket {
			p.Members = append(p.Members, Member{MembershipID: m.ID, PrincipalID: m.PrincipalID, Version: m.Version})
		}
		sort.Slice(p.Members, func(i, j int) bool { return p.Members[i].MembershipID < p.Members[j].MembershipID })
		patterns = append(patterns, p)
	}
	return patterns
}

type named struct {
	name, description string
	err               error
}

// name asks the namer under a timeout and falls back to RuleName
func (a *Analyzer) name(ctx context.Context, p Pattern) (string, string) {
	ruleName, ruleDesc := RuleName(p)
	if a.namer == nil {
		return ruleName, ruleDesc
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.NamerTimeout)
	defer cancel()
	out := make(chan named, 1)
	async.SafeGo(ctx, a.cfg.NamerTimeout, "drift.namer", a.logger, func(ctx context.Context) error {
		n, d, err := a.namer.Name(ctx, p)
		out <- named{name: n, description: d, err: err}
		return err
	})

	select {
	case n := <-out:
		if n.err != nil || strings.TrimSpace(n.name) == "" {
			return ruleName, ruleDesc
		}
		if strings.TrimSpace(n.description) == "" {
			n.description = ruleDesc
		}
		return strings.TrimSpace(n.name), n.description
	case <-ctx.Done():
		a.logger.WithField("pattern_id", p.ID).Debug("namer timed out; using rule-based name")
		return ruleName, ruleDesc
	}
}

// Find re-analyzes orgID and returns the pattern with id
func (a *Analyzer) Find(ctx context.Context, orgID int64, id string) (*Pattern, error) {
	patterns, err := a.Analyze(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range patterns {
		if patterns[i].ID == id {
			return &patterns[i], nil
		}
	}
	return nil, ErrPatternNotFound
}

func applyOutcome(err error) string {
	var denied *rbac.PermissionDeniedError
	var notMember *rbac.NotAMemberError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrStalePattern):
		return "stale"
	case errors.As(err, &denied), errors.As(err, &notMember):
		return "denied"
	case errors.Is(err, gate.ErrSuperseded):
		return "superseded"
	default:
		return "error"
	}
}

// capabilities of the migrated role: the pattern's overrides on top of the
// base role, flattened when the base role already has a parent
func roleCapabilities(base *rbac.RoleTemplate, overrides capability.Set) (capability.Set, *int64) {
	if base.ParentID == nil {
		id := base.ID
		return overrides.Clone(), &id
	}
	caps := base.Capabilities.Clone()
	for c, v := range overrides {
		caps[c] = v
	}
	parent := *base.ParentID
	return caps, &parent
}
