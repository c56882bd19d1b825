package storage

import (
	"context"

	"github.com/iudanet/synckit/pkg/api"
)

// EnvelopeStorage определяет интерфейс хранения записей коллекций.
// Записи хранятся как непрозрачные конверты по (user, collection, guid);
// сервер не заглядывает в payload.
type EnvelopeStorage interface {
	// UpsertEnvelopes вставляет или заменяет конверты батча, проставляя
	// всем одно серверное время модификации
	UpsertEnvelopes(ctx context.Context, userID, collection string, envelopes []api.Envelope, modified int64) error

	// GetEnvelopes возвращает конверты коллекции, изменённые строго
	// после newer (мс), и время последней модификации коллекции
	GetEnvelopes(ctx context.Context, userID, collection string, newer int64) ([]api.Envelope, int64, error)

	// GetEnvelope возвращает один конверт по guid.
	// Returns ErrEnvelopeNotFound if the document does not exist.
	GetEnvelope(ctx context.Context, userID, collection, guid string) (*api.Envelope, error)

	// CollectionTimestamps возвращает время последней модификации
	// по всем непустым коллекциям пользователя
	CollectionTimestamps(ctx context.Context, userID string) (api.InfoCollections, error)

	// DeleteCollection удаляет коллекцию пользователя целиком
	DeleteCollection(ctx context.Context, userID, collection string) error

	// WipeUser удаляет все данные пользователя
	WipeUser(ctx context.Context, userID string) error
}

// ExperimentStorage определяет интерфейс хранения документов
// экспериментов, которые сервер раздает клиентам
type ExperimentStorage interface {
	// PutExperiment сохраняет или заменяет документ эксперимента
	PutExperiment(ctx context.Context, slug string, document []byte) error

	// ListExperiments возвращает все документы экспериментов
	ListExperiments(ctx context.Context) ([][]byte, error)

	// DeleteExperiment удаляет документ эксперимента
	DeleteExperiment(ctx context.Context, slug string) error
}
