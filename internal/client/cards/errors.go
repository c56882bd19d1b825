package cards

import "errors"

var (
	// ErrNotFound карта с таким guid не существует
	ErrNotFound = errors.New("card not found")

	// ErrNotYetImplemented путь явно не поддержан
	ErrNotYetImplemented = errors.New("not yet implemented")

	// ErrInvalidCard поля карты не прошли проверку
	ErrInvalidCard = errors.New("invalid card")
)
