// Package store persists the control loop's history: diagnoses, executed
// actions, learning outcomes, applied configuration overrides, learned
// baselines, and operator state. Everything lives in one SQLite database
// under the workspace state directory.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"selftune/internal/logging"
	"selftune/internal/types"
)

// Store is the persistent history of the control loop.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// New creates or opens the loop database under workspace/.selftune/.
func New(workspace string) (*Store, error) {
	dbPath := filepath.Join(workspace, ".selftune", "selftune.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("opened %s", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	-- Diagnoses produced by the analyzer
	CREATE TABLE IF NOT EXISTS diagnoses (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		trigger_json TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		suspected_cause TEXT,
		action_json TEXT NOT NULL,
		action_rationale TEXT,
		status TEXT NOT NULL,
		status_reason TEXT,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_diagnoses_status ON diagnoses(status);
	CREATE INDEX IF NOT EXISTS idx_diagnoses_created ON diagnoses(created_at);

	-- Executed actions
	CREATE TABLE IF NOT EXISTS actions (
		action_id TEXT PRIMARY KEY,
		diagnosis_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		pre_metrics_json TEXT NOT NULL,
		execution_time_ms INTEGER NOT NULL,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (diagnosis_id) REFERENCES diagnoses(id)
	);
	CREATE INDEX IF NOT EXISTS idx_actions_diagnosis ON actions(diagnosis_id);
	CREATE INDEX IF NOT EXISTS idx_actions_outcome ON actions(outcome);

	-- Learning outcomes
	CREATE TABLE IF NOT EXISTS learnings (
		id TEXT PRIMARY KEY,
		action_id TEXT NOT NULL,
		diagnosis_id TEXT NOT NULL,
		reward REAL NOT NULL,
		confidence REAL NOT NULL,
		breakdown_json TEXT NOT NULL,
		post_metrics_json TEXT NOT NULL,
		lessons_json TEXT,
		recommendations_json TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (action_id) REFERENCES actions(action_id)
	);
	CREATE INDEX IF NOT EXISTS idx_learnings_created ON learnings(created_at);
	CREATE INDEX IF NOT EXISTS idx_learnings_reward ON learnings(reward);

	-- Configuration overrides currently applied to the host
	CREATE TABLE IF NOT EXISTS config_overrides (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		action_id TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	);

	-- Learned metric baselines, persisted across restarts
	CREATE TABLE IF NOT EXISTS baselines (
		metric TEXT PRIMARY KEY,
		ema REAL NOT NULL,
		rolling_avg REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Operator state (pause flag)
	CREATE TABLE IF NOT EXISTS loop_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		paused INTEGER NOT NULL DEFAULT 0,
		paused_reason TEXT,
		paused_until DATETIME,
		updated_at DATETIME
	);
	INSERT OR IGNORE INTO loop_state (id, paused) VALUES (1, 0);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DIAGNOSIS OPERATIONS
// =============================================================================

// SaveDiagnosis inserts a new diagnosis.
func (s *Store) SaveDiagnosis(d *types.SelfDiagnosis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	triggerJSON, err := types.MarshalTrigger(d.Trigger)
	if err != nil {
		return fmt.Errorf("failed to encode trigger: %w", err)
	}
	actionJSON, err := types.MarshalAction(d.SuggestedAction)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}

	_, err = s.db.Exec(`
		INSERT INTO diagnoses (id, created_at, trigger_json, severity, description,
			suspected_cause, action_json, action_rationale, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.CreatedAt, string(triggerJSON), d.Severity.String(), d.Description,
		d.SuspectedCause, string(actionJSON), d.ActionRationale, string(d.Status), now)

	if err != nil {
		return fmt.Errorf("failed to save diagnosis: %w", err)
	}
	return nil
}

// UpdateDiagnosisStatus transitions a diagnosis to a new status. Terminal
// statuses are frozen.
func (s *Store) UpdateDiagnosisStatus(id string, status types.DiagnosisStatus) error {
	return s.UpdateDiagnosisStatusReason(id, status, "")
}

// UpdateDiagnosisStatusReason transitions a diagnosis and records why (the
// operator's or reviewer's words).
func (s *Store) UpdateDiagnosisStatusReason(id string, status types.DiagnosisStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.db.QueryRow(`SELECT status FROM diagnoses WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("diagnosis %q not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load diagnosis status: %w", err)
	}
	if types.DiagnosisStatus(current).Terminal() {
		return fmt.Errorf("diagnosis %s is %s, no further transitions", id, current)
	}

	_, err = s.db.Exec(`UPDATE diagnoses SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update diagnosis status: %w", err)
	}
	return nil
}

// GetDiagnosis loads one diagnosis by ID, or nil if absent.
func (s *Store) GetDiagnosis(id string) (*types.SelfDiagnosis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, created_at, trigger_json, severity, description,
			suspected_cause, action_json, action_rationale, status, status_reason
		FROM diagnoses WHERE id = ?
	`, id)

	d, err := scanDiagnosis(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListDiagnoses returns recent diagnoses, newest first. An empty status
// selects all.
func (s *Store) ListDiagnoses(status types.DiagnosisStatus, limit int) ([]*types.SelfDiagnosis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, created_at, trigger_json, severity, description,
			suspected_cause, action_json, action_rationale, status, status_reason
		FROM diagnoses`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SelfDiagnosis
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountPending reports how many diagnoses await approval. This backs the
// analyzer's pending cap.
func (s *Store) CountPending() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM diagnoses WHERE status = ?`,
		string(types.StatusPending)).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDiagnosis(row rowScanner) (*types.SelfDiagnosis, error) {
	var d types.SelfDiagnosis
	var triggerJSON, severity, actionJSON, status string
	var cause, rationale, statusReason sql.NullString

	err := row.Scan(&d.ID, &d.CreatedAt, &triggerJSON, &severity, &d.Description,
		&cause, &actionJSON, &rationale, &status, &statusReason)
	if err != nil {
		return nil, err
	}

	d.SuspectedCause = cause.String
	d.ActionRationale = rationale.String
	d.Status = types.DiagnosisStatus(status)
	d.StatusReason = statusReason.String

	if d.Severity, err = types.ParseSeverity(severity); err != nil {
		return nil, fmt.Errorf("diagnosis %s: %w", d.ID, err)
	}
	if d.Trigger, err = types.UnmarshalTrigger([]byte(triggerJSON)); err != nil {
		return nil, fmt.Errorf("diagnosis %s: %w", d.ID, err)
	}
	if d.SuggestedAction, err = types.UnmarshalAction([]byte(actionJSON)); err != nil {
		return nil, fmt.Errorf("diagnosis %s: %w", d.ID, err)
	}
	return &d, nil
}

// =============================================================================
// ACTION OPERATIONS
// =============================================================================

// SaveExecution inserts an execution result.
func (s *Store) SaveExecution(r *types.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	preJSON, err := json.Marshal(r.PreMetrics)
	if err != nil {
		return fmt.Errorf("failed to encode pre metrics: %w", err)
	}

	now := time.Now()
	_, err = s.db.Exec(`
		INSERT INTO actions (action_id, diagnosis_id, outcome, pre_metrics_json,
			execution_time_ms, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ActionID, r.DiagnosisID, string(r.Outcome), string(preJSON),
		r.ExecutionTimeMs, r.ErrorMessage, now, now)

	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// UpdateActionOutcome transitions an action's outcome (e.g. on rollback).
func (s *Store) UpdateActionOutcome(actionID string, outcome types.ActionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE actions SET outcome = ?, updated_at = ? WHERE action_id = ?`,
		string(outcome), time.Now(), actionID)
	if err != nil {
		return fmt.Errorf("failed to update action outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %q not found", actionID)
	}
	return nil
}

// GetExecution loads one execution result by action ID, or nil if absent.
func (s *Store) GetExecution(actionID string) (*types.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r types.ExecutionResult
	var outcome, preJSON string
	var errMsg sql.NullString

	err := s.db.QueryRow(`
		SELECT action_id, diagnosis_id, outcome, pre_metrics_json, execution_time_ms, error_message
		FROM actions WHERE action_id = ?
	`, actionID).Scan(&r.ActionID, &r.DiagnosisID, &outcome, &preJSON, &r.ExecutionTimeMs, &errMsg)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	r.Outcome = types.ActionOutcome(outcome)
	r.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(preJSON), &r.PreMetrics); err != nil {
		return nil, fmt.Errorf("action %s: %w", actionID, err)
	}
	return &r, nil
}

// ListExecutions returns recent executions, newest first. An empty outcome
// selects all.
func (s *Store) ListExecutions(outcome types.ActionOutcome, limit int) ([]*types.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT action_id, diagnosis_id, outcome, pre_metrics_json, execution_time_ms, error_message
		FROM actions`
	args := []interface{}{}
	if outcome != "" {
		query += ` WHERE outcome = ?`
		args = append(args, string(outcome))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ExecutionResult
	for rows.Next() {
		var r types.ExecutionResult
		var outcome, preJSON string
		var errMsg sql.NullString
		if err := rows.Scan(&r.ActionID, &r.DiagnosisID, &outcome, &preJSON,
			&r.ExecutionTimeMs, &errMsg); err != nil {
			return nil, err
		}
		r.Outcome = types.ActionOutcome(outcome)
		r.ErrorMessage = errMsg.String
		if err := json.Unmarshal([]byte(preJSON), &r.PreMetrics); err != nil {
			return nil, fmt.Errorf("action %s: %w", r.ActionID, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// =============================================================================
// LEARNING OPERATIONS
// =============================================================================

// SaveLearning inserts a learning outcome.
func (s *Store) SaveLearning(o *types.LearningOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	breakdownJSON, _ := json.Marshal(o.Reward.Breakdown)
	postJSON, err := json.Marshal(o.PostMetrics)
	if err != nil {
		return fmt.Errorf("failed to encode post metrics: %w", err)
	}
	lessonsJSON, _ := json.Marshal(o.Synthesis.Lessons)
	recsJSON, _ := json.Marshal(o.Synthesis.FutureRecommendations)

	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO learnings (id, action_id, diagnosis_id, reward, confidence,
			breakdown_json, post_metrics_json, lessons_json, recommendations_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.ActionID, o.DiagnosisID, o.Reward.Value, o.Reward.Confidence,
		string(breakdownJSON), string(postJSON), string(lessonsJSON), string(recsJSON), o.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to save learning: %w", err)
	}
	return nil
}

// ListLearnings returns recent learning outcomes, newest first.
func (s *Store) ListLearnings(limit int) ([]*types.LearningOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, action_id, diagnosis_id, reward, confidence, breakdown_json,
			post_metrics_json, lessons_json, recommendations_json, created_at
		FROM learnings ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.LearningOutcome
	for rows.Next() {
		var o types.LearningOutcome
		var breakdownJSON, postJSON string
		var lessonsJSON, recsJSON sql.NullString
		if err := rows.Scan(&o.ID, &o.ActionID, &o.DiagnosisID, &o.Reward.Value,
			&o.Reward.Confidence, &breakdownJSON, &postJSON, &lessonsJSON, &recsJSON,
			&o.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(breakdownJSON), &o.Reward.Breakdown); err != nil {
			return nil, fmt.Errorf("learning %s: %w", o.ID, err)
		}
		if err := json.Unmarshal([]byte(postJSON), &o.PostMetrics); err != nil {
			return nil, fmt.Errorf("learning %s: %w", o.ID, err)
		}
		if lessonsJSON.Valid {
			json.Unmarshal([]byte(lessonsJSON.String), &o.Synthesis.Lessons)
		}
		if recsJSON.Valid {
			json.Unmarshal([]byte(recsJSON.String), &o.Synthesis.FutureRecommendations)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// RecentLessons collects the lessons of the most recent learnings, newest
// first, for inclusion in collaborator prompts.
func (s *Store) RecentLessons(limit int) ([]string, error) {
	learnings, err := s.ListLearnings(limit)
	if err != nil {
		return nil, err
	}
	var lessons []string
	for _, l := range learnings {
		lessons = append(lessons, l.Synthesis.Lessons...)
	}
	return lessons, nil
}

// =============================================================================
// CONFIG OVERRIDES
// =============================================================================

// SaveConfigOverride records (or replaces) the override applied for a key.
func (s *Store) SaveConfigOverride(key string, value types.ParamValue, actionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode override value: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO config_overrides (key, value_json, action_id, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value_json = excluded.value_json,
			action_id = excluded.action_id,
			applied_at = excluded.applied_at
	`, key, string(valueJSON), actionID, time.Now())

	if err != nil {
		return fmt.Errorf("failed to save config override: %w", err)
	}
	return nil
}

// DeleteConfigOverride removes the override for a key (on rollback).
func (s *Store) DeleteConfigOverride(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM config_overrides WHERE key = ?`, key)
	return err
}

// ConfigOverride is one applied override with its provenance.
type ConfigOverride struct {
	Key       string           `json:"key"`
	Value     types.ParamValue `json:"value"`
	ActionID  string           `json:"action_id"`
	AppliedAt time.Time        `json:"applied_at"`
}

// ListConfigOverrides returns all currently applied overrides.
func (s *Store) ListConfigOverrides() ([]ConfigOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key, value_json, action_id, applied_at FROM config_overrides ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConfigOverride
	for rows.Next() {
		var o ConfigOverride
		var valueJSON string
		if err := rows.Scan(&o.Key, &valueJSON, &o.ActionID, &o.AppliedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(valueJSON), &o.Value); err != nil {
			return nil, fmt.Errorf("override %s: %w", o.Key, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// =============================================================================
// BASELINES
// =============================================================================

// SaveBaselines persists the learned baselines for all metrics.
func (s *Store) SaveBaselines(baselines map[types.MetricKind]types.BaselineSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for metric, b := range baselines {
		_, err := s.db.Exec(`
			INSERT INTO baselines (metric, ema, rolling_avg, sample_count, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(metric) DO UPDATE SET
				ema = excluded.ema,
				rolling_avg = excluded.rolling_avg,
				sample_count = excluded.sample_count,
				updated_at = excluded.updated_at
		`, string(metric), b.EMA, b.RollingAvg, b.SampleCount, now)
		if err != nil {
			return fmt.Errorf("failed to save baseline %s: %w", metric, err)
		}
	}
	return nil
}

// LoadBaselines returns the persisted baselines, empty when none exist.
func (s *Store) LoadBaselines() (map[types.MetricKind]types.BaselineSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT metric, ema, rolling_avg, sample_count FROM baselines`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.MetricKind]types.BaselineSnapshot)
	for rows.Next() {
		var metric string
		var b types.BaselineSnapshot
		if err := rows.Scan(&metric, &b.EMA, &b.RollingAvg, &b.SampleCount); err != nil {
			return nil, err
		}
		out[types.MetricKind(metric)] = b
	}
	return out, rows.Err()
}

// =============================================================================
// OPERATOR STATE
// =============================================================================

// SetPaused persists the operator pause flag. A zero until means the pause
// holds until an explicit resume.
func (s *Store) SetPaused(paused bool, reason string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := 0
	if paused {
		flag = 1
	}
	var untilVal interface{}
	if !until.IsZero() {
		untilVal = until
	}
	_, err := s.db.Exec(`UPDATE loop_state SET paused = ?, paused_reason = ?, paused_until = ?, updated_at = ? WHERE id = 1`,
		flag, reason, untilVal, time.Now())
	return err
}

// IsPaused reports the persisted pause flag, its reason, and its expiry
// (zero when indefinite).
func (s *Store) IsPaused() (bool, string, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flag int
	var reason sql.NullString
	var until sql.NullTime
	err := s.db.QueryRow(`SELECT paused, paused_reason, paused_until FROM loop_state WHERE id = 1`).Scan(&flag, &reason, &until)
	if err != nil {
		return false, "", time.Time{}, err
	}
	return flag == 1, reason.String, until.Time, nil
}
