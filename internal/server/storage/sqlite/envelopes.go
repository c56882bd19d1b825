package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iudanet/synckit/internal/server/storage"
	"github.com/iudanet/synckit/pkg/api"
)

// Compile-time check that Storage implements EnvelopeStorage
var _ storage.EnvelopeStorage = (*Storage)(nil)

// UpsertEnvelopes вставляет или заменяет конверты батча,
// проставляя всем единое серверное время модификации.
// Весь батч пишется в одной транзакции.
func (s *Storage) UpsertEnvelopes(ctx context.Context, userID, collection string, envelopes []api.Envelope, modified int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		INSERT OR REPLACE INTO envelopes (user_id, collection, guid, payload, modified_ms, sortindex, ttl)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	for _, envelope := range envelopes {
		if _, err := tx.ExecContext(ctx, query,
			userID,
			collection,
			envelope.ID,
			envelope.Payload,
			modified,
			envelope.SortIndex,
			envelope.TTL,
		); err != nil {
			return fmt.Errorf("failed to upsert envelope %s: %w", envelope.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetEnvelopes возвращает конверты коллекции, изменённые строго после
// newer (мс), и время последней модификации коллекции целиком
func (s *Storage) GetEnvelopes(ctx context.Context, userID, collection string, newer int64) ([]api.Envelope, int64, error) {
	query := `
		SELECT guid, payload, modified_ms, sortindex, ttl
		FROM envelopes
		WHERE user_id = ? AND collection = ? AND modified_ms > ?
		ORDER BY modified_ms ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, collection, newer)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query envelopes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var envelopes []api.Envelope
	for rows.Next() {
		var envelope api.Envelope
		if err := rows.Scan(
			&envelope.ID,
			&envelope.Payload,
			&envelope.Modified,
			&envelope.SortIndex,
			&envelope.TTL,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan envelope: %w", err)
		}
		envelopes = append(envelopes, envelope)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate envelopes: %w", err)
	}

	lastModified, err := s.collectionLastModified(ctx, userID, collection)
	if err != nil {
		return nil, 0, err
	}

	return envelopes, lastModified, nil
}

// GetEnvelope возвращает один конверт по guid
func (s *Storage) GetEnvelope(ctx context.Context, userID, collection, guid string) (*api.Envelope, error) {
	query := `
		SELECT guid, payload, modified_ms, sortindex, ttl
		FROM envelopes
		WHERE user_id = ? AND collection = ? AND guid = ?
	`

	envelope := &api.Envelope{}
	err := s.db.QueryRowContext(ctx, query, userID, collection, guid).Scan(
		&envelope.ID,
		&envelope.Payload,
		&envelope.Modified,
		&envelope.SortIndex,
		&envelope.TTL,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEnvelopeNotFound
		}
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}

	return envelope, nil
}

// CollectionTimestamps возвращает время последней модификации
// по всем непустым коллекциям пользователя
func (s *Storage) CollectionTimestamps(ctx context.Context, userID string) (api.InfoCollections, error) {
	query := `
		SELECT collection, MAX(modified_ms)
		FROM envelopes
		WHERE user_id = ?
		GROUP BY collection
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection timestamps: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	timestamps := make(api.InfoCollections)
	for rows.Next() {
		var collection string
		var modified int64
		if err := rows.Scan(&collection, &modified); err != nil {
			return nil, fmt.Errorf("failed to scan collection timestamp: %w", err)
		}
		timestamps[collection] = modified
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collection timestamps: %w", err)
	}

	return timestamps, nil
}

// DeleteCollection удаляет коллекцию пользователя целиком
func (s *Storage) DeleteCollection(ctx context.Context, userID, collection string) error {
	query := `DELETE FROM envelopes WHERE user_id = ? AND collection = ?`

	if _, err := s.db.ExecContext(ctx, query, userID, collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}

	return nil
}

// WipeUser удаляет все данные пользователя
func (s *Storage) WipeUser(ctx context.Context, userID string) error {
	query := `DELETE FROM envelopes WHERE user_id = ?`

	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to wipe user data: %w", err)
	}

	return nil
}

// collectionLastModified возвращает MAX(modified_ms) коллекции, 0 если пусто
func (s *Storage) collectionLastModified(ctx context.Context, userID, collection string) (int64, error) {
	query := `
		SELECT COALESCE(MAX(modified_ms), 0)
		FROM envelopes
		WHERE user_id = ? AND collection = ?
	`

	var lastModified int64
	if err := s.db.QueryRowContext(ctx, query, userID, collection).Scan(&lastModified); err != nil {
		return 0, fmt.Errorf("failed to get collection last modified: %w", err)
	}

	return lastModified, nil
}
