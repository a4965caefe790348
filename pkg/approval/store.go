package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/trustgate/pkg/contracts"
	"github.com/Mindburn-Labs/trustgate/pkg/database"
)

type submission struct {
	ID           string
	TenantID     string
	Artifact     contracts.ArtifactRef
	Level        contracts.Level
	Seq          int64
	MinReviewers int
}

func latestSubmission(ctx context.Context, q database.Querier, tenantID string, ref contracts.ArtifactRef) (submission, bool, error) {
	s := submission{TenantID: tenantID, Artifact: ref}
	var level int
	err := q.QueryRowContext(ctx, `
		SELECT id, level, seq, min_reviewers FROM approval_submissions
		WHERE tenant_id = ? AND artifact_type = ? AND artifact_id = ?
		ORDER BY seq DESC LIMIT 1`,
		tenantID, string(ref.Type), ref.ID,
	).Scan(&s.ID, &level, &s.Seq, &s.MinReviewers)
	if errors.Is(err, sql.ErrNoRows) {
		return submission{}, false, nil
	}
	if err != nil {
		return submission{}, false, fmt.Errorf("load latest submission: %w", err)
	}
	s.Level = contracts.Level(level)
	return s, true, nil
}

const taskColumns = `id, tenant_id, submission_id, artifact_type, artifact_id, level, facet, reviewer_id, decision, comment, decided_at, created_at`

func scanTask(row interface{ Scan(...any) error }) (contracts.ApprovalTask, error) {
	var t contracts.ApprovalTask
	var artifactType, facet, decision string
	var level int
	var decidedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.TenantID, &t.SubmissionID, &artifactType, &t.Artifact.ID, &level,
		&facet, &t.ReviewerID, &decision, &t.Comment, &decidedAt, &t.CreatedAt); err != nil {
		return contracts.ApprovalTask{}, err
	}
	t.Artifact.Type = contracts.ArtifactType(artifactType)
	t.Level = contracts.Level(level)
	t.Facet = contracts.Facet(facet)
	t.Decision = contracts.Decision(decision)
	t.CreatedAt = t.CreatedAt.UTC()
	if decidedAt.Valid {
		d := decidedAt.Time.UTC()
		t.DecidedAt = &d
	}
	return t, nil
}

func queryTasks(ctx context.Context, q database.Querier, query string, args ...any) ([]contracts.ApprovalTask, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approval tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.ApprovalTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func submissionTasks(ctx context.Context, q database.Querier, submissionID string) ([]contracts.ApprovalTask, error) {
	return queryTasks(ctx, q, `SELECT `+taskColumns+` FROM approval_tasks WHERE submission_id = ? ORDER BY facet`, submissionID)
}

func getTask(ctx context.Context, q database.Querier, taskID string) (contracts.ApprovalTask, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ApprovalTask{}, contracts.Errorf(contracts.KindTaskNotFound, "approval task %s", taskID)
	}
	if err != nil {
		return contracts.ApprovalTask{}, fmt.Errorf("load approval task: %w", err)
	}
	return t, nil
}

// pendingTasks lists undecided tasks of each artifact's latest submission.
func pendingTasks(ctx context.Context, q database.Querier, tenantID string) ([]contracts.ApprovalTask, error) {
	return queryTasks(ctx, q, `
		SELECT `+taskColumns+` FROM approval_tasks
		WHERE tenant_id = ? AND decision = ? AND submission_id IN (
			SELECT s.id FROM approval_submissions s
			WHERE s.tenant_id = ? AND s.seq = (
				SELECT MAX(s2.seq) FROM approval_submissions s2
				WHERE s2.tenant_id = s.tenant_id AND s2.artifact_type = s.artifact_type AND s2.artifact_id = s.artifact_id
			)
		)
		ORDER BY created_at, artifact_type, artifact_id, facet`,
		tenantID, string(contracts.DecisionPending), tenantID)
}
