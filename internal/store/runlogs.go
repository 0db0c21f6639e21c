package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InsertRunLog records one monitor tick's inputs and raw output.
func (s *Store) InsertRunLog(ctx context.Context, rl *RunLog) error {
	if rl.ID == "" {
		rl.ID = uuid.NewString()
	}
	rl.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO run_logs (id, monitor_id, system_prompt, user_prompt, raw_response, threats_found, citations, request_body, created_at)
		VALUES (:id, :monitor_id, :system_prompt, :user_prompt, :raw_response, :threats_found, :citations, :request_body, :created_at)`, rl)
	return translate("insert run log", err)
}

// ListRunLogs returns a monitor's run logs, newest first.
func (s *Store) ListRunLogs(ctx context.Context, monitorID string, limit int) ([]RunLog, error) {
	var logs []RunLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM run_logs WHERE monitor_id = $1
		ORDER BY created_at DESC LIMIT $2`, monitorID, limit)
	if err != nil {
		return nil, translate("list run logs", err)
	}
	return logs, nil
}

// TrimRunLogs enforces per-monitor retention: nothing older than six hours
// survives, and at most 100 rows remain. When trimming to the row cap,
// rows that found threats are kept first, then longer responses, then the
// most recent.
func (s *Store) TrimRunLogs(ctx context.Context, monitorID string) error {
	cutoff := time.Now().UTC().Add(-6 * time.Hour)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM run_logs WHERE monitor_id = $1 AND created_at < $2`,
		monitorID, cutoff); err != nil {
		return translate("trim run logs by age", err)
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM run_logs
		WHERE monitor_id = $1
		AND id NOT IN (
			SELECT id FROM run_logs
			WHERE monitor_id = $1
			ORDER BY (threats_found > 0) DESC,
			         length(raw_response) DESC,
			         created_at DESC
			LIMIT 100
		)`, monitorID)
	return translate("trim run logs by count", err)
}
