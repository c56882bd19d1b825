package boltdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"go.etcd.io/bbolt"

	"github.com/iudanet/synckit/internal/client/storage"
)

// currentDBVersion - текущая версия схемы, хранится в Meta под db_version
const currentDBVersion = 2

// Storage represents bbolt storage implementation for the client
type Storage struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Compile-time check that Storage implements KeyValueStorage
var _ storage.KeyValueStorage = (*Storage)(nil)

// New открывает базу по пути dbPath. Если файл повреждён и открыть его
// не удаётся, файл удаляется и создаётся заново - для on-disk кэша
// метаданных это явно разрешено; событие логируется.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0o600, nil)
	if err != nil {
		logger.Error("Storage corrupted, deleting and recreating",
			"path", dbPath, "error", err)

		if rmErr := os.Remove(dbPath); rmErr != nil {
			return nil, fmt.Errorf("%w: failed to remove %s: %v", storage.ErrStorageCorrupted, dbPath, rmErr)
		}

		db, err = bbolt.Open(dbPath, 0o600, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: reopen after recreate failed: %v", storage.ErrStorageCorrupted, err)
		}
	}

	s := &Storage{db: db, logger: logger}

	// Инициализируем buckets и проверяем версию схемы
	if err := s.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// initBuckets создает bucket для каждого именованного стора
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, store := range storage.AllStores() {
			if _, err := tx.CreateBucketIfNotExists([]byte(store)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", store, err)
			}
		}
		return nil
	})
}

// migrate приводит схему к текущей версии. Миграции строго вперёд:
// распознанная старая версия мигрируется, неизвестная (будущая) версия
// приводит к очистке сторов вместо их порчи.
func (s *Storage) migrate() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(storage.StoreMeta))
		if meta == nil {
			return fmt.Errorf("%w: %s", storage.ErrStoreNotFound, storage.StoreMeta)
		}

		raw := meta.Get([]byte(storage.MetaDBVersion))
		if raw == nil {
			// Свежая база
			return meta.Put([]byte(storage.MetaDBVersion), []byte(strconv.Itoa(currentDBVersion)))
		}

		version, err := strconv.Atoi(string(raw))
		if err != nil {
			s.logger.Warn("Unreadable db_version, wiping stores", "raw", string(raw))
			return s.wipeAllStores(tx)
		}

		switch {
		case version == currentDBVersion:
			return nil
		case version == 1:
			// v1 -> v2: идентификатор клиента переехал из "uuid" в "nimbus-id"
			if legacy := meta.Get([]byte("uuid")); legacy != nil {
				if err := meta.Put([]byte(storage.MetaNimbusID), legacy); err != nil {
					return fmt.Errorf("failed to migrate nimbus id: %w", err)
				}
				if err := meta.Delete([]byte("uuid")); err != nil {
					return fmt.Errorf("failed to delete legacy uuid key: %w", err)
				}
			}
			s.logger.Info("Migrated database schema", "from", 1, "to", currentDBVersion)
			return meta.Put([]byte(storage.MetaDBVersion), []byte(strconv.Itoa(currentDBVersion)))
		case version > currentDBVersion:
			// База из будущего: не рискуем интерпретировать - вычищаем
			s.logger.Warn("Database version is newer than supported, wiping stores",
				"stored", version, "supported", currentDBVersion)
			return s.wipeAllStores(tx)
		default:
			s.logger.Warn("Unknown database version, wiping stores", "stored", version)
			return s.wipeAllStores(tx)
		}
	})
}

// wipeAllStores пересоздает все bucket'ы и ставит текущую версию
func (s *Storage) wipeAllStores(tx *bbolt.Tx) error {
	for _, store := range storage.AllStores() {
		if err := tx.DeleteBucket([]byte(store)); err != nil && err != bbolt.ErrBucketNotFound {
			return fmt.Errorf("failed to delete bucket %s: %w", store, err)
		}
		if _, err := tx.CreateBucket([]byte(store)); err != nil {
			return fmt.Errorf("failed to recreate bucket %s: %w", store, err)
		}
	}
	meta := tx.Bucket([]byte(storage.StoreMeta))
	return meta.Put([]byte(storage.MetaDBVersion), []byte(strconv.Itoa(currentDBVersion)))
}

// View выполняет читающую транзакцию над консистентным снапшотом
func (s *Storage) View(ctx context.Context, fn func(storage.Reader) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&txHandle{tx: tx})
	})
}

// Update выполняет пишущую транзакцию; bbolt гарантирует одного писателя
// и атомарный коммит
func (s *Storage) Update(ctx context.Context, fn func(storage.Writer) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&txHandle{tx: tx})
	})
}
