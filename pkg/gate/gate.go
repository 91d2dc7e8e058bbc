package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tenantguard/pkg/audit"
	"github.com/platinummonkey/tenantguard/pkg/capability"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/orgs"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
	"github.com/platinummonkey/tenantguard/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/tenantguard/pkg/gate")

// SystemActorID is recorded as the actor of system requests
const SystemActorID int64 = 0

// ErrNoAuditRecords is returned by Execute when a mutation reports no change
var ErrNoAuditRecords = errors.New("mutation produced no audit records")

// Request is a gated action
type Request struct {
	PrincipalID       int64
	OrganizationID    int64
	Action            capability.Capability
	ResourceType      string
	ResourceID        string
	Reason            string
	CorrelationID     string
	CorrelationSource string

	// System requests come from the service itself, such as containment.
	// They skip evaluation and are audited with SystemActorID.
	System bool

	// Memberships lists the membership ids the mutation will write. They
	// are locked for the duration of Execute.
	Memberships []int64

	// Roles lists the role ids whose definition the mutation will write,
	// locked the same way
	Roles []int64
}

func (r Request) actor() audit.Actor {
	id := r.PrincipalID
	if r.System {
		id = SystemActorID
	}
	return audit.Actor{
		PrincipalID:       id,
		OrganizationID:    r.OrganizationID,
		Reason:            r.Reason,
		CorrelationID:     r.CorrelationID,
		CorrelationSource: r.CorrelationSource,
	}
}

func (r Request) evaluation() rbac.Request {
	return rbac.Request{
		PrincipalID:    r.PrincipalID,
		OrganizationID: r.OrganizationID,
		Action:         string(r.Action),
		ResourceType:   r.ResourceType,
		ResourceID:     r.ResourceID,
	}
}

func (r Request) lockKeys() []string {
	keys := make([]string, 0, len(r.Memberships)+len(r.Roles))
	for _, id := range r.Memberships {
		keys = append(keys, "membership:"+strconv.FormatInt(id, 10))
	}
	for _, id := range r.Roles {
		keys = append(keys, "role:"+strconv.FormatInt(id, 10))
	}
	return keys
}

// Tx is the view a mutation runs against. Every store is bound to the
// transaction the decision was evaluated in.
type Tx struct {
	*sql.Tx
	Members  *orgs.Store
	Roles    *rbac.Store
	Decision *rbac.Decision
	Now      time.Time

	rollbackKind  string
	rollbackState json.RawMessage
}

// SaveRollback attaches reversal state to the batch the mutation produces
func (t *Tx) SaveRollback(kind string, prior interface{}) error {
	state, err := json.Marshal(prior)
	if err != nil {
		return fmt.Errorf("failed to encode rollback state: %w", err)
	}
	t.rollbackKind = kind
	t.rollbackState = state
	return nil
}

// Mutation changes state inside the transaction and returns the audit
// records describing the change
type Mutation func(ctx context.Context, tx *Tx) ([]audit.Record, error)

// Result of a committed mutation
type Result struct {
	Decision          *rbac.Decision `json:"decision,omitempty"`
	Batch             *audit.Batch   `json:"batch"`
	RollbackExpiresAt *time.Time     `json:"rollback_expires_at,omitempty"`
}

// Options configures a Gate
type Options struct {
	RollbackTTL time.Duration
	Logger      *observability.Logger
}

// Gate executes mutations only after a fresh permission decision taken in
// the same transaction, and only together with their audit batch.
type Gate struct {
	db          *sql.DB
	evaluator   *rbac.Evaluator
	events      *audit.EventStore
	locks       *keyedMutex
	rollbackTTL time.Duration
	logger      *observability.Logger
}

// New creates a gate and registers the membership and role reversers on
// events
func New(db *sql.DB, evaluator *rbac.Evaluator, events *audit.EventStore, opts Options) *Gate {
	if opts.RollbackTTL <= 0 {
		opts.RollbackTTL = audit.DefaultRollbackTTL
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	g := &Gate{
		db:          db,
		evaluator:   evaluator,
		events:      events,
		locks:       newKeyedMutex(),
		rollbackTTL: opts.RollbackTTL,
		logger:      opts.Logger,
	}
	events.RegisterReverser(RollbackKindMembership, audit.ReverserFunc(reverseMemberships))
	events.RegisterReverser(RollbackKindRole, audit.ReverserFunc(reverseRole))
	return g
}

// Events returns the gate's audit store
func (g *Gate) Events() *audit.EventStore { return g.events }

// Check evaluates req without executing anything. The result may come from
// the decision cache and must not be used to authorize a write.
func (g *Gate) Check(ctx context.Context, req Request) (*rbac.Decision, error) {
	return g.evaluator.Evaluate(ctx, req.evaluation())
}

// Execute locks the request's memberships, re-evaluates req inside a new
// transaction, runs mutate and appends its audit batch (plus any rollback
// record) before committing. A denial returns *rbac.PermissionDeniedError
// and nothing is written.
func (g *Gate) Execute(ctx context.Context, req Request, mutate Mutation) (*Result, error) {
	ctx, span := tracer.Start(ctx, "gate.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("principal_id", req.PrincipalID),
		attribute.Int64("organization_id", req.OrganizationID),
		attribute.String("action", string(req.Action)),
		attribute.Bool("system", req.System),
	)

	unlock := g.locks.lock(req.lockKeys()...)
	defer unlock()

	result := &Result{}
	err := storage.WithTx(ctx, g.db, func(tx *sql.Tx) error {
		gtx := &Tx{
			Tx:      tx,
			Members: orgs.NewStore(tx),
			Roles:   rbac.NewStore(tx),
			Now:     g.events.Now(),
		}

		if !req.System {
			decision, err := g.evaluator.EvaluateTx(ctx, tx, req.evaluation())
			if err != nil {
				return err
			}
			result.Decision = decision
			gtx.Decision = decision
			if !decision.Allowed {
				return &rbac.PermissionDeniedError{Decision: decision}
			}
		}

		records, err := mutate(ctx, gtx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return ErrNoAuditRecords
		}

		events := g.events.WithTx(tx)
		batch, err := events.AppendBatch(ctx, req.actor(), records)
		if err != nil {
			return err
		}
		result.Batch = batch

		if gtx.rollbackKind != "" {
			rec := &audit.RollbackRecord{
				BatchID:        batch.ID,
				OrganizationID: req.OrganizationID,
				Kind:           gtx.rollbackKind,
				PriorState:     gtx.rollbackState,
				CreatedBy:      req.actor().PrincipalID,
			}
			if err := events.CreateRollback(ctx, rec, g.rollbackTTL); err != nil {
				return err
			}
			expires := rec.ExpiresAt
			result.RollbackExpiresAt = &expires
		}
		return nil
	})
	if err != nil {
		g.logFailure(ctx, req, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	g.evaluator.Invalidate()
	span.SetAttributes(attribute.String("batch_id", result.Batch.ID))
	return result, nil
}

// Rollback reverses a batch on behalf of req.PrincipalID, who needs the
// rollback capability in the batch's organization.
func (g *Gate) Rollback(ctx context.Context, req Request, batchID string) (*audit.Batch, error) {
	ctx, span := tracer.Start(ctx, "gate.rollback")
	defer span.End()
	span.SetAttributes(attribute.String("batch_id", batchID))

	req.Action = capability.Rollback
	req.ResourceType = "batch"
	req.ResourceID = batchID

	var batch *audit.Batch
	err := storage.WithTx(ctx, g.db, func(tx *sql.Tx) error {
		if !req.System {
			decision, err := g.evaluator.EvaluateTx(ctx, tx, req.evaluation())
			if err != nil {
				return err
			}
			if !decision.Allowed {
				return &rbac.PermissionDeniedError{Decision: decision}
			}
		}
		var err error
		batch, err = g.events.WithTx(tx).Rollback(ctx, req.actor(), batchID)
		return err
	})
	if err != nil {
		g.logFailure(ctx, req, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	g.evaluator.Invalidate()
	return batch, nil
}

func (g *Gate) logFailure(ctx context.Context, req Request, err error) {
	logger := observability.UpdateLoggerWithTraceContext(ctx, g.logger).WithFields(map[string]interface{}{
		"principal_id":    req.PrincipalID,
		"organization_id": req.OrganizationID,
		"action":          string(req.Action),
	})

	var denied *rbac.PermissionDeniedError
	var notMember *rbac.NotAMemberError
	switch {
	case errors.As(err, &denied):
		check := ""
		if p := denied.Decision.Primary(); p != nil {
			check = string(p.Check)
		}
		logger.WithField("check", check).Info("gated action denied")
	case errors.As(err, &notMember):
		logger.Info("gated action denied: not a member")
	default:
		logger.WithError(err).Warn("gated action failed")
	}
}
