package storage

import "errors"

// Общие ошибки серверного хранилища
var (
	// ErrUserNotFound пользователь не найден
	ErrUserNotFound = errors.New("user not found")

	// ErrUserAlreadyExists пользователь с таким именем уже существует
	ErrUserAlreadyExists = errors.New("user already exists")

	// ErrTokenNotFound refresh token не найден
	ErrTokenNotFound = errors.New("refresh token not found")

	// ErrEnvelopeNotFound конверт не найден
	ErrEnvelopeNotFound = errors.New("envelope not found")
)
