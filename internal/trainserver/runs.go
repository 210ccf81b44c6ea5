package trainserver

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run statuses
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunInterrupted = "interrupted"
	RunFailed      = "failed"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID          string          `json:"id"`
	Problem     string          `json:"problem"`
	Algorithm   string          `json:"algorithm"`
	Params      json.RawMessage `json:"params"`
	Status      string          `json:"status"`
	Episodes    int             `json:"episodes"`
	NEpisodes   int             `json:"nEpisodes"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// RunStore persists training runs.
type RunStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRunStore creates a store on an initialized database.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db, now: time.Now}
}

// Start records a new running run and returns it.
func (s *RunStore) Start(problem, algorithm string, params any, nEpisodes int) (*RunRecord, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	run := &RunRecord{
		ID:        uuid.NewString(),
		Problem:   problem,
		Algorithm: algorithm,
		Params:    raw,
		Status:    RunRunning,
		NEpisodes: nEpisodes,
		StartedAt: s.now().UTC(),
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (id, problem, algorithm, params, status, episodes, n_episodes, started_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		run.ID, run.Problem, run.Algorithm, string(run.Params), run.Status, run.NEpisodes,
		run.StartedAt.Format(timeFormat),
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Finish sets the final status and the number of episodes played.
func (s *RunStore) Finish(id, status string, episodes int) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, episodes = ?, completed_at = ? WHERE id = ?`,
		status, episodes, s.now().UTC().Format(timeFormat), id,
	)
	return err
}

// Get returns one run, or sql.ErrNoRows.
func (s *RunStore) Get(id string) (*RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, problem, algorithm, params, status, episodes, n_episodes, started_at, completed_at
		 FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// List returns the most recent runs first.
func (s *RunStore) List(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, problem, algorithm, params, status, episodes, n_episodes, started_at, completed_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	runs := []RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// MarkAbandoned flags runs left running by a previous process.
func (s *RunStore) MarkAbandoned() (int64, error) {
	result, err := s.db.Exec(`UPDATE runs SET status = ? WHERE status = ?`, RunFailed, RunRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		run       RunRecord
		params    string
		started   string
		completed sql.NullString
	)
	err := row.Scan(&run.ID, &run.Problem, &run.Algorithm, &params, &run.Status,
		&run.Episodes, &run.NEpisodes, &started, &completed)
	if err != nil {
		return nil, err
	}

	run.Params = json.RawMessage(params)
	if run.StartedAt, err = time.Parse(timeFormat, started); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := time.Parse(timeFormat, completed.String)
		if err != nil {
			return nil, err
		}
		run.CompletedAt = &t
	}
	return &run, nil
}
