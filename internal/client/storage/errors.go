package storage

import "errors"

// Common client storage errors
var (
	// ErrKeyNotFound indicates that the key is absent from the store
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreNotFound indicates an unknown named store
	ErrStoreNotFound = errors.New("named store not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")

	// ErrInvalidPersistedData indicates that a stored blob could not be
	// decoded. Для experiments/enrollments это приводит к очистке стора,
	// для meta - фатально.
	ErrInvalidPersistedData = errors.New("invalid persisted data")

	// ErrStorageCorrupted indicates that the database file could not be
	// opened; файл удаляется и создается заново
	ErrStorageCorrupted = errors.New("storage corrupted")
)
