package sqlite

import (
	"context"
	"fmt"

	"github.com/iudanet/synckit/internal/server/storage"
)

// Compile-time check that Storage implements ExperimentStorage
var _ storage.ExperimentStorage = (*Storage)(nil)

// PutExperiment сохраняет или заменяет документ эксперимента
func (s *Storage) PutExperiment(ctx context.Context, slug string, document []byte) error {
	query := `INSERT OR REPLACE INTO experiments (slug, document) VALUES (?, ?)`

	if _, err := s.db.ExecContext(ctx, query, slug, string(document)); err != nil {
		return fmt.Errorf("failed to put experiment: %w", err)
	}

	return nil
}

// ListExperiments возвращает все документы экспериментов,
// отсортированные по slug для стабильного ETag
func (s *Storage) ListExperiments(ctx context.Context) ([][]byte, error) {
	query := `SELECT document FROM experiments ORDER BY slug ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var documents [][]byte
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		documents = append(documents, []byte(document))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate experiments: %w", err)
	}

	return documents, nil
}

// DeleteExperiment удаляет документ эксперимента
func (s *Storage) DeleteExperiment(ctx context.Context, slug string) error {
	query := `DELETE FROM experiments WHERE slug = ?`

	if _, err := s.db.ExecContext(ctx, query, slug); err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}

	return nil
}
