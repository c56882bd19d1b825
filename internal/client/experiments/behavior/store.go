package behavior

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/iudanet/synckit/internal/client/storage"
)

// EventStore учитывает события по интервальным окнам и отвечает на
// запросы таргетинга. Потокобезопасен; часы инжектируются для тестов.
type EventStore struct {
	mu     sync.Mutex
	events map[string]eventCounters
	now    func() time.Time
	offset time.Duration
}

// NewEventStore создает пустой стор с системными часами
func NewEventStore() *EventStore {
	return &EventStore{
		events: make(map[string]eventCounters),
		now:    time.Now,
	}
}

// WithClock подменяет источник времени. Для тестов.
func (s *EventStore) WithClock(now func() time.Time) *EventStore {
	s.now = now
	return s
}

func (s *EventStore) clock() time.Time {
	return s.now().Add(s.offset)
}

// RecordEvent увеличивает текущий бакет каждого окна события
func (s *EventStore) RecordEvent(eventID string, count uint64) {
	s.recordAt(eventID, count, s.clock())
}

// RecordPastEvent учитывает событие задним числом.
// Отрицательный secondsAgo фатален для вызывающего.
func (s *EventStore) RecordPastEvent(eventID string, count uint64, secondsAgo int64) error {
	if secondsAgo < 0 {
		return fmt.Errorf("%w: seconds ago must be non-negative, got %d", ErrInvalidDuration, secondsAgo)
	}
	s.recordAt(eventID, count, s.clock().Add(-time.Duration(secondsAgo)*time.Second))
	return nil
}

func (s *EventStore) recordAt(eventID string, count uint64, instant time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	counters, ok := s.events[eventID]
	if !ok {
		counters = newEventCounters(now)
		s.events[eventID] = counters
	}
	for interval, counter := range counters {
		counter.advance(interval, now)
		counter.Ring.incrementAt(counter.bucketIndex(interval, instant), count)
	}
}

// AdvanceClock сдвигает часы стора вперёд. Для тестов.
func (s *EventStore) AdvanceClock(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += d
}

// Query возвращает сумму события за buckets самых свежих бакетов окна,
// включая текущий. Для незаписанного события возвращает ноль при
// zeroIfMissing, иначе ErrEventNotFound.
func (s *EventStore) Query(eventID string, interval Interval, buckets int, zeroIfMissing bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, ok := s.events[eventID]
	if !ok {
		if zeroIfMissing {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	counter, ok := counters[interval]
	if !ok {
		return 0, fmt.Errorf("unknown interval %q", interval)
	}
	counter.advance(interval, s.clock())
	return counter.Ring.sum(buckets), nil
}

// Persist сериализует счётчики в стор EventCounts
func (s *EventStore) Persist(w storage.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := w.Clear(storage.StoreEventCounts); err != nil {
		return fmt.Errorf("failed to clear event counts: %w", err)
	}
	for eventID, counters := range s.events {
		if err := storage.PutJSON(w, storage.StoreEventCounts, eventID, counters); err != nil {
			return fmt.Errorf("failed to persist counters for %s: %w", eventID, err)
		}
	}
	return nil
}

// Load восстанавливает счётчики из стора EventCounts
func (s *EventStore) Load(r storage.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make(map[string]eventCounters)
	err := r.ForEach(storage.StoreEventCounts, func(key string, value []byte) error {
		var counters eventCounters
		if err := json.Unmarshal(value, &counters); err != nil {
			return fmt.Errorf("%w: event counters for %s: %v", storage.ErrInvalidPersistedData, key, err)
		}
		events[key] = counters
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load event counts: %w", err)
	}
	s.events = events
	return nil
}
