package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const evalColumns = "model_id, dataset_key, dataset_name, eval_date, metric, score, subset, num, updated_at"

// UpsertEvaluation writes r, replacing any record with the same
// (model, dataset key, day).
func (s *Store) UpsertEvaluation(ctx context.Context, r EvaluationRecord) error {
	if strings.TrimSpace(r.ModelID) == "" || strings.TrimSpace(r.DatasetKey) == "" {
		return errors.New("storage: model_id and dataset_key are required")
	}
	if r.Date.IsZero() {
		return errors.New("storage: evaluation date is required")
	}
	q := s.rebind(`INSERT INTO evaluation_records (` + evalColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (model_id, dataset_key, eval_date) DO UPDATE SET
    dataset_name = excluded.dataset_name,
    metric = excluded.metric,
    score = excluded.score,
    subset = excluded.subset,
    num = excluded.num,
    updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, q,
		r.ModelID, r.DatasetKey, r.DatasetName, r.Date, r.Metric, r.Score, r.Subset, r.Num, s.stamp())
	if err != nil {
		return fmt.Errorf("upsert evaluation: %w", err)
	}
	return nil
}

// GetEvaluation returns the record for the natural key or ErrNotFound.
func (s *Store) GetEvaluation(ctx context.Context, modelID, datasetKey string, day Day) (EvaluationRecord, error) {
	q := s.rebind(`SELECT ` + evalColumns + ` FROM evaluation_records
WHERE model_id = ? AND dataset_key = ? AND eval_date = ?`)
	row := s.db.QueryRowContext(ctx, q, modelID, datasetKey, day)
	r, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EvaluationRecord{}, ErrNotFound
	}
	return r, err
}

// EvaluationsInRange returns the records of one (model, dataset key) with
// from <= date < to, oldest first.
func (s *Store) EvaluationsInRange(ctx context.Context, modelID, datasetKey string, from, to Day) ([]EvaluationRecord, error) {
	return s.QueryEvaluations(ctx, EvaluationFilter{
		Start:      from,
		End:        to,
		ModelID:    modelID,
		DatasetKey: datasetKey,
	})
}

// QueryEvaluations returns records matching f ordered by date then model.
func (s *Store) QueryEvaluations(ctx context.Context, f EvaluationFilter) ([]EvaluationRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if !f.Start.IsZero() {
		add("eval_date >= ?", f.Start)
	}
	if !f.End.IsZero() {
		add("eval_date < ?", f.End)
	}
	if f.ModelID != "" {
		add("model_id = ?", f.ModelID)
	}
	if f.DatasetKey != "" {
		add("dataset_key = ?", f.DatasetKey)
	}
	if f.DatasetName != "" {
		add("dataset_name = ?", f.DatasetName)
	}
	if f.Subset != "" {
		add("subset = ?", f.Subset)
	}
	if f.Metric != "" {
		add("metric = ?", f.Metric)
	}

	q := `SELECT ` + evalColumns + ` FROM evaluation_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY eval_date ASC, model_id ASC, dataset_key ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	out := make([]EvaluationRecord, 0, 16)
	for rows.Next() {
		r, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(sc rowScanner) (EvaluationRecord, error) {
	var (
		r  EvaluationRecord
		ts dbTime
	)
	if err := sc.Scan(&r.ModelID, &r.DatasetKey, &r.DatasetName, &r.Date, &r.Metric, &r.Score, &r.Subset, &r.Num, &ts); err != nil {
		return EvaluationRecord{}, err
	}
	r.UpdatedAt = ts.t
	return r, nil
}

// NormalizeKeys trims, dedupes and sorts dataset keys.
func NormalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ListModels returns every registration ordered by model id.
func (s *Store) ListModels(ctx context.Context) ([]ModelRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model_id, dataset_keys, updated_at FROM model_registrations ORDER BY model_id`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []ModelRegistration
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveModels returns registrations with at least one dataset key.
func (s *Store) ActiveModels(ctx context.Context) ([]ModelRegistration, error) {
	all, err := s.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if len(m.DatasetKeys) > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) GetModel(ctx context.Context, modelID string) (ModelRegistration, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT model_id, dataset_keys, updated_at FROM model_registrations WHERE model_id = ?`), modelID)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelRegistration{}, ErrNotFound
	}
	return m, err
}

// CreateModel inserts a registration; ErrDuplicate if the id exists.
func (s *Store) CreateModel(ctx context.Context, m ModelRegistration) (ModelRegistration, error) {
	m.ModelID = strings.TrimSpace(m.ModelID)
	if m.ModelID == "" {
		return ModelRegistration{}, errors.New("storage: model_id is required")
	}
	m.DatasetKeys = NormalizeKeys(m.DatasetKeys)
	keys, err := json.Marshal(m.DatasetKeys)
	if err != nil {
		return ModelRegistration{}, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO model_registrations (model_id, dataset_keys, updated_at)
VALUES (?, ?, ?) ON CONFLICT (model_id) DO NOTHING`), m.ModelID, string(keys), s.stamp())
	if err != nil {
		return ModelRegistration{}, fmt.Errorf("create model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ModelRegistration{}, ErrDuplicate
	}
	return s.GetModel(ctx, m.ModelID)
}

// UpdateModel replaces the dataset keys of an existing registration.
func (s *Store) UpdateModel(ctx context.Context, modelID string, datasetKeys []string) (ModelRegistration, error) {
	keys, err := json.Marshal(NormalizeKeys(datasetKeys))
	if err != nil {
		return ModelRegistration{}, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE model_registrations SET dataset_keys = ?, updated_at = ? WHERE model_id = ?`),
		string(keys), s.stamp(), modelID)
	if err != nil {
		return ModelRegistration{}, fmt.Errorf("update model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ModelRegistration{}, ErrNotFound
	}
	return s.GetModel(ctx, modelID)
}

func (s *Store) DeleteModel(ctx context.Context, modelID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM model_registrations WHERE model_id = ?`), modelID)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanModel(sc rowScanner) (ModelRegistration, error) {
	var (
		m    ModelRegistration
		keys string
		ts   dbTime
	)
	if err := sc.Scan(&m.ModelID, &keys, &ts); err != nil {
		return ModelRegistration{}, err
	}
	m.UpdatedAt = ts.t
	if keys != "" {
		if err := json.Unmarshal([]byte(keys), &m.DatasetKeys); err != nil {
			return ModelRegistration{}, fmt.Errorf("model %s: bad dataset_keys: %w", m.ModelID, err)
		}
	}
	if m.DatasetKeys == nil {
		m.DatasetKeys = []string{}
	}
	return m, nil
}

// LoadJobStates returns the persisted paused flag per job id.
func (s *Store) LoadJobStates(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, paused FROM scheduler_jobs`)
	if err != nil {
		return nil, fmt.Errorf("load job states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			id     string
			paused bool
		)
		if err := rows.Scan(&id, &paused); err != nil {
			return nil, err
		}
		out[id] = paused
	}
	return out, rows.Err()
}

func (s *Store) SaveJobState(ctx context.Context, jobID string, paused bool) error {
	q := s.rebind(`INSERT INTO scheduler_jobs (job_id, paused, updated_at) VALUES (?, ?, ?)
ON CONFLICT (job_id) DO UPDATE SET paused = excluded.paused, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, jobID, paused, s.stamp()); err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	return nil
}
