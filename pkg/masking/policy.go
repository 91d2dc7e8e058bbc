package masking

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tenantguard/pkg/baseline"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

var tracer = otel.Tracer("github.com/platinummonkey/tenantguard/pkg/masking")

// Authorizer evaluates permission requests. *rbac.Evaluator satisfies it.
type Authorizer interface {
	Evaluate(ctx context.Context, req rbac.Request) (*rbac.Decision, error)
}

// AccessRecorder receives one sensitive-access event per call.
// *anomaly.Monitor satisfies it.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, ev baseline.AccessEvent) error
}

// Record is one stored sensitive value. Records always come from a
// RecordSource, never from the reader.
type Record struct {
	ID       string
	Category string
	Value    float64
}

// AccessContext is request metadata extracted by the caller. Payloads are
// never passed in.
type AccessContext struct {
	Origin             string
	ClientSignature    string
	MaskedFieldFilters int
	MaskedFieldSort    bool
}

// Outcome of a reveal
type Outcome string

const (
	OutcomeRevealed  Outcome = "revealed"
	OutcomeIndicator Outcome = "indicator"
	OutcomeWithheld  Outcome = "withheld"
)

// Result is what the reader gets for one record. Exactly one of Value and
// Indicator is set unless the outcome is withheld.
type Result struct {
	RecordID  string             `json:"record_id"`
	Outcome   Outcome            `json:"outcome"`
	Value     *float64           `json:"value,omitempty"`
	Indicator *RelativeIndicator `json:"indicator,omitempty"`
}

// Policy decides between raw values and relative indicators
type Policy struct {
	authz    Authorizer
	records  RecordSource
	dist     Distribution
	recorder AccessRecorder
	cfg      Config
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// PolicyOptions configures a Policy
type PolicyOptions struct {
	Config  Config
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// NewPolicy creates a masking policy
func NewPolicy(authz Authorizer, records RecordSource, dist Distribution, recorder AccessRecorder, opts PolicyOptions) *Policy {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Policy{
		authz:    authz,
		records:  records,
		dist:     dist,
		recorder: recorder,
		cfg:      opts.Config.normalized(),
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Reveal returns the record id for principalID in orgID
func (p *Policy) Reveal(ctx context.Context, principalID, orgID int64, id string, access AccessContext) (*Result, error) {
	results, err := p.RevealAll(ctx, principalID, orgID, []string{id}, access)
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

// RevealAll resolves a page of record ids with a single access event. The
// principal must be able to read in orgID: non-members get NotAMemberError
// and a locked principal or suspended organization gets
// PermissionDeniedError, never an indicator. The raw values are returned
// only when the principal also holds view_financials; everyone else gets
// leakage checked indicators. Unknown ids are withheld.
//
// The access event is written before anything is returned. If it cannot be
// written nothing is returned.
func (p *Policy) RevealAll(ctx context.Context, principalID, orgID int64, ids []string, access AccessContext) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "masking.reveal")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("principal_id", principalID),
		attribute.Int64("organization_id", orgID),
		attribute.Int("records", len(ids)),
	)

	read, err := p.authz.Evaluate(ctx, rbac.Request{
		PrincipalID:    principalID,
		OrganizationID: orgID,
		Action:         string(capability.Read),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !read.Allowed {
		return nil, &rbac.PermissionDeniedError{Decision: read}
	}

	decision, err := p.authz.Evaluate(ctx, rbac.Request{
		PrincipalID:    principalID,
		OrganizationID: orgID,
		Action:         string(capability.ViewFinancials),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	recs, err := p.records.Records(ctx, orgID, ids)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to resolve records: %w", err)
	}

	ev := baseline.AccessEvent{
		PrincipalID:        principalID,
		OrganizationID:     orgID,
		RecordCount:        len(ids),
		Resource:           resourceOf(ids, recs),
		Origin:             access.Origin,
		ClientSignature:    access.ClientSignature,
		MaskedFieldFilters: access.MaskedFieldFilters,
		MaskedFieldSort:    access.MaskedFieldSort,
	}
	if err := p.recorder.RecordAccess(ctx, ev); err != nil {
		span.RecordError(err)
		p.metrics.RecordMasking(string(OutcomeWithheld))
		return nil, fmt.Errorf("failed to record sensitive access: %w", err)
	}

	results := make([]Result, len(ids))
	distributions := make(map[string][]float64)
	for i, id := range ids {
		rec, ok := recs[id]
		switch {
		case !ok:
			results[i] = Result{RecordID: id, Outcome: OutcomeWithheld}
		case decision.Allowed:
			v := rec.Value
			results[i] = Result{RecordID: id, Outcome: OutcomeRevealed, Value: &v}
		default:
			results[i] = p.indicator(ctx, orgID, rec, distributions)
		}
		p.metrics.RecordMasking(string(results[i].Outcome))
	}
	return results, nil
}

func (p *Policy) indicator(ctx context.Context, orgID int64, rec Record, distributions map[string][]float64) Result {
	withheld := Result{RecordID: rec.ID, Outcome: OutcomeWithheld}
	values, ok := distributions[rec.Category]
	if !ok {
		var err error
		values, err = p.dist.Values(ctx, orgID, rec.Category)
		if err != nil {
			p.logger.WithError(err).WithField("category", rec.Category).Warn("category distribution unavailable")
			return withheld
		}
		distributions[rec.Category] = values
	}

	ind, err := p.cfg.Compute(rec.Category, values, rec.Value)
	if err != nil {
		if !errors.Is(err, ErrLeakageRejected) {
			p.logger.WithError(err).Error("indicator computation failed")
		} else {
			p.logger.WithField("category", rec.Category).WithField("reason", err.Error()).Debug("indicator withheld")
		}
		return withheld
	}
	return Result{RecordID: rec.ID, Outcome: OutcomeIndicator, Indicator: ind}
}

func resourceOf(ids []string, recs map[string]Record) string {
	category := ""
	for _, id := range ids {
		rec, ok := recs[id]
		if !ok {
			continue
		}
		switch category {
		case "":
			category = rec.Category
		case rec.Category:
		default:
			return "mixed"
		}
	}
	return category
}
