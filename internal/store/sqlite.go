// Package store keeps the prediction and training history in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// Prediction is a served classification.
type Prediction struct {
	ID          string    `json:"id"`
	ImageSHA256 string    `json:"imageSha256"`
	ClassName   string    `json:"className"`
	Probability float64   `json:"probability"`
	Cached      bool      `json:"cached"`
	DurationMS  int64     `json:"durationMs"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TrainingRun is the summary of a training run.
type TrainingRun struct {
	ID           string    `json:"id"`
	DatasetRoot  string    `json:"datasetRoot"`
	NumClasses   int       `json:"numClasses"`
	TrainSize    int       `json:"trainSize"`
	ValidateSize int       `json:"validateSize"`
	Epochs       int       `json:"epochs"`
	Accuracy     float64   `json:"accuracy"`
	Loss         float64   `json:"loss"`
	ArtifactPath string    `json:"artifactPath"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store handles database operations
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// AddPrediction records a prediction and returns it with its ID set.
func (s *Store) AddPrediction(ctx context.Context, p Prediction) (*Prediction, error) {
	p.ID = uuid.New().String()
	p.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO predictions (id, image_sha256, class_name, probability, cached, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		p.ID, p.ImageSHA256, p.ClassName, p.Probability, p.Cached, p.DurationMS, p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert prediction: %w", err)
	}
	return &p, nil
}

// ListPredictions returns recent predictions with pagination
func (s *Store) ListPredictions(ctx context.Context, limit, offset int) ([]Prediction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, image_sha256, class_name, probability, cached, duration_ms, created_at FROM predictions ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	predictions := []Prediction{}
	for rows.Next() {
		var p Prediction
		if err := rows.Scan(&p.ID, &p.ImageSHA256, &p.ClassName, &p.Probability, &p.Cached, &p.DurationMS, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		predictions = append(predictions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	return predictions, nil
}

// AddTrainingRun records a training run and returns it with its ID set.
func (s *Store) AddTrainingRun(ctx context.Context, r TrainingRun) (*TrainingRun, error) {
	r.ID = uuid.New().String()
	r.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO training_runs (id, dataset_root, num_classes, train_size, validate_size, epochs, accuracy, loss, artifact_path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.DatasetRoot, r.NumClasses, r.TrainSize, r.ValidateSize, r.Epochs, r.Accuracy, r.Loss, r.ArtifactPath, r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert training run: %w", err)
	}
	return &r, nil
}

// ListTrainingRuns returns the most recent training runs.
func (s *Store) ListTrainingRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, dataset_root, num_classes, train_size, validate_size, epochs, accuracy, loss, artifact_path, created_at FROM training_runs ORDER BY created_at DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list training runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []TrainingRun{}
	for rows.Next() {
		var r TrainingRun
		if err := rows.Scan(&r.ID, &r.DatasetRoot, &r.NumClasses, &r.TrainSize, &r.ValidateSize, &r.Epochs, &r.Accuracy, &r.Loss, &r.ArtifactPath, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan training run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list training runs: %w", err)
	}
	return runs, nil
}
