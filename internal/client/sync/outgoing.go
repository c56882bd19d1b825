package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iudanet/synckit/internal/interrupt"
	"github.com/iudanet/synckit/pkg/api"
)

// FetchOutgoing перечисляет локальные изменения, сериализует и
// шифрует их в конверты к загрузке. Читает в отдельной транзакции;
// локальное состояние не мутируется до подтверждения сервером.
func (e *Engine[T]) FetchOutgoing(ctx context.Context, handle *interrupt.Interruptee) ([]api.Envelope, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	records, err := e.impl.ListOutgoing(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to list outgoing records: %w", err)
	}

	envelopes := make([]api.Envelope, 0, len(records))
	for _, record := range records {
		if err := handle.Err(); err != nil {
			return nil, err
		}

		cleartext, err := e.encodeOutgoing(record)
		if err != nil {
			return nil, err
		}

		payload, err := e.codec.Encode(cleartext)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt outgoing record %s: %w", record.Guid, err)
		}

		envelopes = append(envelopes, api.Envelope{ID: record.Guid, Payload: payload})
	}
	return envelopes, nil
}

func (e *Engine[T]) encodeOutgoing(record OutgoingRecord[T]) ([]byte, error) {
	if record.IsTombstone {
		cleartext, err := json.Marshal(api.Tombstone{ID: record.Guid, Deleted: true})
		if err != nil {
			return nil, fmt.Errorf("failed to encode tombstone %s: %w", record.Guid, err)
		}
		return cleartext, nil
	}
	cleartext, err := e.impl.EncodeRecord(record.Record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", record.Guid, err)
	}
	return cleartext, nil
}

// BatchOutgoing нарезает конверты на батчи согласно лимитам сервера.
// Конверт, не влезающий в лимит одной записи, пропускается с warning:
// одна негабаритная запись не должна блокировать остальные.
func (e *Engine[T]) BatchOutgoing(envelopes []api.Envelope, limits api.InfoConfiguration) [][]api.Envelope {
	maxPostBytes := limits.MaxPostBytes
	if limits.MaxRequestBytes > 0 && limits.MaxRequestBytes < maxPostBytes {
		maxPostBytes = limits.MaxRequestBytes
	}

	var (
		batches    [][]api.Envelope
		batch      []api.Envelope
		batchBytes int64
	)

	flush := func() {
		if len(batch) > 0 {
			batches = append(batches, batch)
			batch = nil
			batchBytes = 0
		}
	}

	for _, envelope := range envelopes {
		data, err := json.Marshal(envelope)
		if err != nil {
			e.logger.Warn("Failed to size outgoing envelope, skipping",
				"collection", e.impl.CollectionName(), "guid", envelope.ID)
			continue
		}
		size := int64(len(data))

		if limits.MaxRecordBytes > 0 && size > limits.MaxRecordBytes {
			e.logger.Warn("Outgoing record exceeds server record limit, skipping",
				"collection", e.impl.CollectionName(), "guid", envelope.ID, "bytes", size)
			continue
		}

		if limits.MaxPostRecords > 0 && int64(len(batch)) >= limits.MaxPostRecords {
			flush()
		}
		if maxPostBytes > 0 && batchBytes+size > maxPostBytes {
			flush()
		}

		batch = append(batch, envelope)
		batchBytes += size
	}
	flush()

	return batches
}

// Reset забывает серверное состояние коллекции в одной пишущей
// транзакции
func (e *Engine[T]) Reset(ctx context.Context) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := e.impl.Reset(ctx, tx); err != nil {
		return fmt.Errorf("failed to reset collection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

// CommitUpload фиксирует принятый сервером батч в одной пишущей
// транзакции: mirror обновляется реально загруженными payload,
// счетчики обнуляются, локальные tombstone удаляются.
// Отклонённые сервером записи не трогаются и уйдут при следующем sync.
func (e *Engine[T]) CommitUpload(ctx context.Context, uploaded map[string]string, serverModified int64) error {
	if len(uploaded) == 0 {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := e.impl.FinishUpload(ctx, tx, uploaded, serverModified); err != nil {
		return fmt.Errorf("failed to finish upload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upload: %w", err)
	}
	return nil
}
