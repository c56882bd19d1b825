package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// StoreID именует отдельный key-value стор внутри базы
type StoreID string

// Именованные сторы клиента
const (
	// StoreExperiments известные эксперименты (slug -> документ)
	StoreExperiments StoreID = "experiments"
	// StoreEnrollments состояние зачислений (slug -> enrollment)
	StoreEnrollments StoreID = "enrollments"
	// StoreMeta метаданные клиента (зарезервированные ключи ниже)
	StoreMeta StoreID = "meta"
	// StoreUpdates скачанные, но ещё не применённые эксперименты
	StoreUpdates StoreID = "updates"
	// StoreEventCounts сериализованные счётчики behavior событий
	StoreEventCounts StoreID = "event_counts"
	// StoreAccount данные аккаунта и сессии (токены зашифрованы at-rest)
	StoreAccount StoreID = "account"
)

// AllStores возвращает все именованные сторы
func AllStores() []StoreID {
	return []StoreID{StoreExperiments, StoreEnrollments, StoreMeta, StoreUpdates, StoreEventCounts, StoreAccount}
}

// Зарезервированные ключи Meta store
const (
	MetaDBVersion                  = "db_version"
	MetaNimbusID                   = "nimbus-id"
	MetaInstallationDate           = "installation-date"
	MetaUpdateDate                 = "update-date"
	MetaAppVersion                 = "app-version"
	MetaFetchEnabled               = "fetch-enabled"
	MetaChangeCounter              = "change-counter"
	MetaLastSyncServerMs           = "last-sync-server-ms"
	MetaSyncNativeVersionThreshold = "sync-native-version-threshold"
	MetaPendingExperimentUpdates   = "pending-experiment-updates"
)

//go:generate moq -out storage_mock.go . KeyValueStorage

// Reader видит консистентный снапшот базы
type Reader interface {
	// Get возвращает значение по ключу.
	// Returns ErrKeyNotFound if the key is absent.
	Get(store StoreID, key string) ([]byte, error)

	// ForEach обходит все пары стора
	ForEach(store StoreID, fn func(key string, value []byte) error) error
}

// Writer - единственный на базу пишущий хэндл; коммит атомарный
type Writer interface {
	Reader

	// Put сохраняет значение по ключу
	Put(store StoreID, key string, value []byte) error

	// Delete удаляет ключ; отсутствие ключа не ошибка
	Delete(store StoreID, key string) error

	// Clear удаляет все пары стора
	Clear(store StoreID) error
}

// KeyValueStorage - транзакционное хранилище именованных сторов.
// Не более одного писателя одновременно; читатели видят снапшот.
type KeyValueStorage interface {
	// View выполняет читающую транзакцию
	View(ctx context.Context, fn func(Reader) error) error

	// Update выполняет пишущую транзакцию; коммит atomic
	Update(ctx context.Context, fn func(Writer) error) error

	// Close закрывает базу
	Close() error
}

// GetJSON читает и декодирует JSON значение.
// Неразбираемый blob превращается в ErrInvalidPersistedData.
func GetJSON(r Reader, store StoreID, key string, out any) error {
	raw, err := r.Get(store, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: store %s key %s: %v", ErrInvalidPersistedData, store, key, err)
	}
	return nil
}

// PutJSON кодирует и сохраняет JSON значение
func PutJSON(w Writer, store StoreID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s/%s: %w", store, key, err)
	}
	return w.Put(store, key, raw)
}
