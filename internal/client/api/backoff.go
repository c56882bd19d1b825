package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// backoffState хранит окна backoff по путям. После 429 с Retry-After
// запросы к тому же пути завершаются BackoffError без обращения к сети,
// пока период не истёк. Таблица защищена мьютексом.
type backoffState struct {
	now   func() time.Time
	until map[string]time.Time
	mu    sync.Mutex
}

func newBackoffState(now func() time.Time) *backoffState {
	if now == nil {
		now = time.Now
	}
	return &backoffState{
		now:   now,
		until: make(map[string]time.Time),
	}
}

// check возвращает BackoffError если путь ещё в окне backoff
func (b *backoffState) check(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline, ok := b.until[path]
	if !ok {
		return nil
	}

	remaining := deadline.Sub(b.now())
	if remaining <= 0 {
		delete(b.until, path)
		return nil
	}

	return &BackoffError{Remaining: int64(remaining.Seconds())}
}

// note запоминает окно backoff для пути
func (b *backoffState) note(path string, seconds int64) {
	if seconds <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.until[path] = b.now().Add(time.Duration(seconds) * time.Second)
}

// noteFromResponse извлекает Retry-After / X-Weave-Backoff из ответа
// и запоминает окно. Возвращает число секунд (0 если заголовков нет).
func (b *backoffState) noteFromResponse(path string, resp *http.Response) int64 {
	seconds := parseSecondsHeader(resp.Header.Get("Retry-After"))
	if seconds == 0 {
		seconds = parseSecondsHeader(resp.Header.Get("X-Weave-Backoff"))
	}
	if seconds > 0 {
		b.note(path, seconds)
	}
	return seconds
}

func parseSecondsHeader(value string) int64 {
	if value == "" {
		return 0
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}
