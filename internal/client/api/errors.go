package api

import (
	"errors"
	"fmt"
)

// Common remote client errors
var (
	// ErrNotFound сервер вернул 404 для запрошенного ресурса
	ErrNotFound = errors.New("resource not found")

	// ErrUAIDNotRecognized сервер не узнал идентификатор клиента (errno 103)
	ErrUAIDNotRecognized = errors.New("UAID not recognized")

	// ErrAlreadyRegistered регистрация уже существует (HTTP 409)
	ErrAlreadyRegistered = errors.New("already registered")

	// ErrConcurrentModification коллекция изменена другим клиентом
	// после отправленного X-If-Unmodified-Since (HTTP 412)
	ErrConcurrentModification = errors.New("collection modified by another client")

	// ErrTokenExpired access token истёк; требуется повторная аутентификация
	ErrTokenExpired = errors.New("access token has expired")
)

// BackoffError возвращается без обращения к сети, пока не истёк
// период backoff для данного пути
type BackoffError struct {
	Remaining int64 // секунд до конца периода
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("request refused: in backoff for %d more seconds", e.Remaining)
}

// ServerError означает нездоровый сервер (5xx); повторить позже
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: status %d", e.Status)
}

// ClientError - 4xx, которую клиент должен обработать сам
type ClientError struct {
	Message string
	Status  int
	Errno   int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error: status %d errno %d: %s", e.Status, e.Errno, e.Message)
}
