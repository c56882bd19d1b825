package boltdb

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/synckit/internal/client/storage"
)

// txHandle реализует storage.Reader и storage.Writer поверх
// одной bbolt транзакции
type txHandle struct {
	tx *bbolt.Tx
}

func (h *txHandle) bucket(store storage.StoreID) (*bbolt.Bucket, error) {
	bucket := h.tx.Bucket([]byte(store))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrStoreNotFound, store)
	}
	return bucket, nil
}

// Get возвращает значение по ключу
func (h *txHandle) Get(store storage.StoreID, key string) ([]byte, error) {
	bucket, err := h.bucket(store)
	if err != nil {
		return nil, err
	}

	value := bucket.Get([]byte(key))
	if value == nil {
		return nil, storage.ErrKeyNotFound
	}

	// bbolt переиспользует память страницы после завершения транзакции
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// ForEach обходит все пары стора
func (h *txHandle) ForEach(store storage.StoreID, fn func(key string, value []byte) error) error {
	bucket, err := h.bucket(store)
	if err != nil {
		return err
	}

	return bucket.ForEach(func(k, v []byte) error {
		value := make([]byte, len(v))
		copy(value, v)
		return fn(string(k), value)
	})
}

// Put сохраняет значение по ключу
func (h *txHandle) Put(store storage.StoreID, key string, value []byte) error {
	bucket, err := h.bucket(store)
	if err != nil {
		return err
	}
	if err := bucket.Put([]byte(key), value); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", store, key, err)
	}
	return nil
}

// Delete удаляет ключ; отсутствие ключа не ошибка
func (h *txHandle) Delete(store storage.StoreID, key string) error {
	bucket, err := h.bucket(store)
	if err != nil {
		return err
	}
	if err := bucket.Delete([]byte(key)); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", store, key, err)
	}
	return nil
}

// Clear удаляет все пары стора, пересоздавая bucket
func (h *txHandle) Clear(store storage.StoreID) error {
	if err := h.tx.DeleteBucket([]byte(store)); err != nil && err != bbolt.ErrBucketNotFound {
		return fmt.Errorf("failed to clear store %s: %w", store, err)
	}
	if _, err := h.tx.CreateBucket([]byte(store)); err != nil {
		return fmt.Errorf("failed to recreate store %s: %w", store, err)
	}
	return nil
}
