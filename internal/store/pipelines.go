package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PipelineRun is the audit record of one task graph execution. ID is the
// task id of the trace that owns the graph.
type PipelineRun struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"thread_id,omitempty"`
	Mode        string          `json:"mode"`
	Policy      string          `json:"policy"`
	Status      string          `json:"status"`
	Steps       json.RawMessage `json:"steps"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func scanPipelineRun(scanner interface {
	Scan(dest ...any) error
}) (*PipelineRun, error) {
	r := &PipelineRun{}
	var threadID, result *string
	var steps string
	err := scanner.Scan(&r.ID, &threadID, &r.Mode, &r.Policy, &r.Status, &steps, &result, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.Steps = json.RawMessage(steps)
	if threadID != nil {
		r.ThreadID = *threadID
	}
	if result != nil {
		r.Result = json.RawMessage(*result)
	}
	return r, nil
}

const pipelineColumns = `id, thread_id, mode, policy, status, steps, result, started_at, completed_at`

func (s *Store) SavePipelineRun(r *PipelineRun) error {
	var result *string
	if len(r.Result) > 0 {
		v := string(r.Result)
		result = &v
	}
	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs (id, thread_id, mode, policy, status, steps, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			completed_at = CASE WHEN excluded.status != 'running' THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.ThreadID, r.Mode, r.Policy, r.Status, string(r.Steps), result)
	if err != nil {
		return fmt.Errorf("save pipeline run: %w", err)
	}
	return nil
}

func (s *Store) UpdatePipelineRun(id, status string, result json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE pipeline_runs
		SET status = ?, result = ?,
		    completed_at = CASE WHEN ? != 'running' THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, string(result), status, id)
	if err != nil {
		return fmt.Errorf("update pipeline run: %w", err)
	}
	return nil
}

func (s *Store) GetPipelineRun(id string) (*PipelineRun, error) {
	row := s.db.QueryRow(`SELECT `+pipelineColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanPipelineRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline run: %w", err)
	}
	return r, nil
}

func (s *Store) ListPipelineRuns(limit int) ([]PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+pipelineColumns+` FROM pipeline_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []PipelineRun
	for rows.Next() {
		r, err := scanPipelineRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// DeletePipelineRunsBefore removes finished runs completed before cutoff.
func (s *Store) DeletePipelineRunsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM pipeline_runs WHERE completed_at IS NOT NULL AND completed_at < ?`,
		cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("delete pipeline runs: %w", err)
	}
	return res.RowsAffected()
}
