// Package approval runs multi-facet, multi-reviewer approval of governed
// artifacts. Submitting an artifact creates one task per facet its assurance
// policy requires; reviewers decide facets; the artifact's status is always
// recomputed from the task rows of its latest submission.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
	"github.com/Mindburn-Labs/trustgate/pkg/observability"
	"github.com/Mindburn-Labs/trustgate/pkg/trustledger"
)

type Engine struct {
	db              *database.DB
	ledger          *trustledger.Ledger
	catalog         *Catalog
	writers         *StatusWriters
	minReviewerGate bool
	clock           func() time.Time
	obs             *observability.Provider
	logger          *slog.Logger
}

type Option func(*Engine)

// WithMinReviewerGate additionally requires a policy's MinReviewers distinct
// reviewers before an artifact can be approved.
func WithMinReviewerGate(enabled bool) Option {
	return func(e *Engine) { e.minReviewerGate = enabled }
}

// WithStatusWriter registers the cache writer for one artifact type.
func WithStatusWriter(t contracts.ArtifactType, w ArtifactStatusWriter) Option {
	return func(e *Engine) { e.writers.Register(t, w) }
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
		e.catalog.clock = clock
	}
}

func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) { e.obs = p }
}

func NewEngine(db *database.DB, ledger *trustledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		db:      db,
		ledger:  ledger,
		catalog: NewCatalog(db),
		writers: NewStatusWriters(NewCacheStatusWriter()),
		clock:   time.Now,
		obs:     observability.Disabled(),
		logger:  slog.Default().With("component", "approval"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func artifactLockKey(tenantID string, ref contracts.ArtifactRef) string {
	return "approval:" + tenantID + ":" + string(ref.Type) + ":" + ref.ID
}

func validateTarget(tenantID string, ref contracts.ArtifactRef) error {
	if strings.TrimSpace(tenantID) == "" {
		return contracts.Errorf(contracts.KindValidation, "tenant id is required")
	}
	return ref.Validate()
}

// SubmitForApproval opens a new review round for ref at level.
func (e *Engine) SubmitForApproval(ctx context.Context, tenantID string, ref contracts.ArtifactRef, level contracts.Level) (sub contracts.Submission, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "approval.submit", observability.Tenant(tenantID), attribute.String("artifact_type", string(ref.Type)))
	defer func() { done(err) }()

	if err := validateTarget(tenantID, ref); err != nil {
		return contracts.Submission{}, err
	}
	if !level.Valid() {
		return contracts.Submission{}, contracts.Errorf(contracts.KindValidation, "assurance level %d out of range", int(level))
	}

	err = e.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.Lock(ctx, artifactLockKey(tenantID, ref)); err != nil {
			return err
		}
		policy, err := e.catalog.Active(ctx, tx, tenantID, ref.Type, level)
		if err != nil {
			return err
		}

		prev, _, err := latestSubmission(ctx, tx, tenantID, ref)
		if err != nil {
			return err
		}
		now := e.clock().UTC()
		sub = contracts.Submission{
			SubmissionID:   uuid.NewString(),
			Artifact:       ref,
			Level:          level,
			Status:         contracts.ApprovalPending,
			RequiredFacets: contracts.FacetSet(policy.RequiredFacets),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_submissions (id, tenant_id, artifact_type, artifact_id, level, seq, min_reviewers, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.SubmissionID, tenantID, string(ref.Type), ref.ID, int(level), prev.Seq+1, policy.MinReviewers, now,
		); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}

		for _, facet := range sub.RequiredFacets {
			task := contracts.ApprovalTask{
				ID:           uuid.NewString(),
				TenantID:     tenantID,
				SubmissionID: sub.SubmissionID,
				Artifact:     ref,
				Level:        level,
				Facet:        facet,
				Decision:     contracts.DecisionPending,
				CreatedAt:    now,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO approval_tasks (id, tenant_id, submission_id, artifact_type, artifact_id, level, facet, decision, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				task.ID, tenantID, task.SubmissionID, string(ref.Type), ref.ID, int(level), string(facet), string(task.Decision), now,
			); err != nil {
				return fmt.Errorf("insert approval task: %w", err)
			}
			sub.Tasks = append(sub.Tasks, task)
		}

		if _, err := e.writers.For(ref.Type).WriteStatus(ctx, tx, tenantID, ref, contracts.ApprovalPending); err != nil {
			return err
		}
		_, err = e.ledger.Append(ctx, tx, trustledger.Entry{
			TenantID:     tenantID,
			ArtifactType: string(ref.Type),
			ArtifactID:   ref.ID,
			Action:       contracts.ActionApprovalSubmitted,
			Payload: map[string]any{
				"submission_id":   sub.SubmissionID,
				"policy_id":       policy.ID,
				"level":           level.String(),
				"required_facets": sub.RequiredFacets,
				"min_reviewers":   policy.MinReviewers,
			},
		})
		return err
	})
	if err != nil {
		return contracts.Submission{}, err
	}
	e.logger.InfoContext(ctx, "artifact submitted for approval",
		"tenant", tenantID, "artifact", ref.String(), "level", level.String(), "facets", contracts.FormatFacets(sub.RequiredFacets))
	return sub, nil
}

// SubmitReview records reviewerID's decision on one facet task and returns
// the artifact's new resolution. A later review of the same facet replaces
// the earlier one.
func (e *Engine) SubmitReview(ctx context.Context, taskID, reviewerID string, decision contracts.Decision, comment string) (res contracts.ApprovalResolution, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "approval.review", attribute.String("decision", string(decision)))
	defer func() { done(err) }()

	if !decision.Reviewable() {
		return res, contracts.Errorf(contracts.KindValidation, "decision must be approve, reject or abstain, got %q", decision)
	}
	if strings.TrimSpace(reviewerID) == "" {
		return res, contracts.Errorf(contracts.KindValidation, "reviewer id is required")
	}

	err = e.db.WithTx(ctx, func(tx *database.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := tx.Lock(ctx, artifactLockKey(task.TenantID, task.Artifact)); err != nil {
			return err
		}
		if task, err = getTask(ctx, tx, taskID); err != nil {
			return err
		}
		latest, _, err := latestSubmission(ctx, tx, task.TenantID, task.Artifact)
		if err != nil {
			return err
		}
		if latest.ID != task.SubmissionID {
			return contracts.Errorf(contracts.KindValidation, "task %s belongs to a superseded submission", taskID)
		}

		now := e.clock().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE approval_tasks SET reviewer_id = ?, decision = ?, comment = ?, decided_at = ? WHERE id = ?`,
			reviewerID, string(decision), comment, now, taskID,
		); err != nil {
			return fmt.Errorf("update approval task: %w", err)
		}
		if _, err := e.ledger.Append(ctx, tx, trustledger.Entry{
			TenantID:     task.TenantID,
			ArtifactType: string(task.Artifact.Type),
			ArtifactID:   task.Artifact.ID,
			Action:       contracts.ActionReviewSubmitted,
			Payload: map[string]any{
				"task_id":           taskID,
				"submission_id":     task.SubmissionID,
				"facet":             task.Facet,
				"reviewer_id":       reviewerID,
				"decision":          decision,
				"previous_decision": task.Decision,
			},
		}); err != nil {
			return err
		}
		res, err = e.resolveTx(ctx, tx, task.TenantID, task.Artifact)
		return err
	})
	if err != nil {
		return contracts.ApprovalResolution{}, err
	}
	e.logger.InfoContext(ctx, "review submitted",
		"task_id", taskID, "reviewer", reviewerID, "decision", decision, "artifact", res.Artifact.String(), "status", res.Status)
	return res, nil
}

// ResolveApprovals recomputes the artifact's status and writes it to the
// status cache. A ledger event is appended only when the cached value
// changes, so repeated calls have no further effect.
func (e *Engine) ResolveApprovals(ctx context.Context, tenantID string, ref contracts.ArtifactRef) (res contracts.ApprovalResolution, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "approval.resolve", observability.Tenant(tenantID))
	defer func() { done(err) }()

	if err := validateTarget(tenantID, ref); err != nil {
		return res, err
	}
	err = e.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.Lock(ctx, artifactLockKey(tenantID, ref)); err != nil {
			return err
		}
		res, err = e.resolveTx(ctx, tx, tenantID, ref)
		return err
	})
	return res, err
}

func (e *Engine) resolveTx(ctx context.Context, tx *database.Tx, tenantID string, ref contracts.ArtifactRef) (contracts.ApprovalResolution, error) {
	res, err := e.compute(ctx, tx, tenantID, ref)
	if err != nil {
		return res, err
	}
	changed, err := e.writers.For(ref.Type).WriteStatus(ctx, tx, tenantID, ref, res.Status)
	if err != nil {
		return res, err
	}
	if !changed {
		return res, nil
	}
	_, err = e.ledger.Append(ctx, tx, trustledger.Entry{
		TenantID:     tenantID,
		ArtifactType: string(ref.Type),
		ArtifactID:   ref.ID,
		Action:       contracts.ActionApprovalResolved,
		Payload: map[string]any{
			"status":          res.Status,
			"level":           res.Level.String(),
			"approved_facets": res.ApprovedFacets,
			"rejected_facets": res.RejectedFacets,
			"missing_facets":  res.MissingFacets,
			"reviewers":       res.Reviewers,
		},
	})
	return res, err
}

func (e *Engine) compute(ctx context.Context, q database.Querier, tenantID string, ref contracts.ArtifactRef) (contracts.ApprovalResolution, error) {
	sub, ok, err := latestSubmission(ctx, q, tenantID, ref)
	if err != nil {
		return contracts.ApprovalResolution{}, err
	}
	if !ok {
		return contracts.ApprovalResolution{}, contracts.Errorf(contracts.KindNoApprovalsFound, "%s has never been submitted in tenant %s", ref, tenantID)
	}
	tasks, err := submissionTasks(ctx, q, sub.ID)
	if err != nil {
		return contracts.ApprovalResolution{}, err
	}
	if len(tasks) == 0 {
		return contracts.ApprovalResolution{}, contracts.Errorf(contracts.KindNoApprovalsFound, "%s has no approval tasks", ref)
	}
	return Resolve(ref, sub.Level, tasks, sub.MinReviewers, e.minReviewerGate), nil
}

// Resolution computes the current resolution without writing anything.
func (e *Engine) Resolution(ctx context.Context, tenantID string, ref contracts.ArtifactRef) (contracts.ApprovalResolution, error) {
	if err := validateTarget(tenantID, ref); err != nil {
		return contracts.ApprovalResolution{}, err
	}
	return e.compute(ctx, e.db, tenantID, ref)
}

// RequireApproved fails with ArtifactNotApproved unless ref currently
// resolves to approved in tenantID.
func (e *Engine) RequireApproved(ctx context.Context, tenantID string, ref contracts.ArtifactRef) (contracts.ApprovalResolution, error) {
	res, err := e.Resolution(ctx, tenantID, ref)
	if contracts.KindOf(err) == contracts.KindNoApprovalsFound {
		return res, contracts.Wrap(contracts.KindArtifactNotApproved, err, ref.String()+" has no approval")
	}
	if err != nil {
		return res, err
	}
	if res.Status != contracts.ApprovalApproved {
		return res, contracts.Errorf(contracts.KindArtifactNotApproved, "%s is %s", ref, res.Status)
	}
	return res, nil
}

// Task returns one approval task.
func (e *Engine) Task(ctx context.Context, taskID string) (contracts.ApprovalTask, error) {
	return getTask(ctx, e.db, taskID)
}

// Tasks lists the tasks of the artifact's latest submission.
func (e *Engine) Tasks(ctx context.Context, tenantID string, ref contracts.ArtifactRef) ([]contracts.ApprovalTask, error) {
	sub, ok, err := latestSubmission(ctx, e.db, tenantID, ref)
	if err != nil || !ok {
		return nil, err
	}
	return submissionTasks(ctx, e.db, sub.ID)
}

func (e *Engine) PendingApprovals(ctx context.Context, tenantID string) ([]contracts.ApprovalTask, error) {
	return pendingTasks(ctx, e.db, tenantID)
}

func (e *Engine) Policies(ctx context.Context, tenantID string) ([]contracts.AssurancePolicy, error) {
	return e.catalog.List(ctx, tenantID)
}

// UpsertPolicy creates or replaces the policy for (tenant, type, level).
func (e *Engine) UpsertPolicy(ctx context.Context, p contracts.AssurancePolicy) (out contracts.AssurancePolicy, err error) {
	ctx, done := e.obs.TrackOperation(ctx, "approval.upsert_policy", observability.Tenant(p.TenantID))
	defer func() { done(err) }()

	if err := p.Validate(); err != nil {
		return contracts.AssurancePolicy{}, err
	}
	err = e.db.WithTx(ctx, func(tx *database.Tx) error {
		var created bool
		out, created, err = e.catalog.upsert(ctx, tx, p)
		if err != nil {
			return err
		}
		_, err = e.ledger.Append(ctx, tx, trustledger.Entry{
			TenantID:     out.TenantID,
			ArtifactType: contracts.SubjectAssurancePolicy,
			ArtifactID:   out.ID,
			Action:       contracts.ActionPolicyUpdated,
			Payload: map[string]any{
				"artifact_type":     out.ArtifactType,
				"level":             out.Level.String(),
				"required_facets":   out.RequiredFacets,
				"min_reviewers":     out.MinReviewers,
				"external_required": out.ExternalRequired,
				"is_active":         out.IsActive,
				"created":           created,
			},
		})
		return err
	})
	if err != nil {
		return contracts.AssurancePolicy{}, err
	}
	return out, nil
}
