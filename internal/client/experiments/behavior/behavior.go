// Package behavior реализует счётчики событий по вложенным интервальным
// окнам. Счётчики питают таргетинг экспериментов: выражения вида
// "сколько раз событие X случилось за последние N дней".
package behavior

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidDuration отрицательная длительность в record_past_event
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrEventNotFound запрошенное событие не записывалось
	ErrEventNotFound = errors.New("event not found")
)

// Interval именует окно агрегации
type Interval string

const (
	IntervalMinute Interval = "Minute"
	IntervalHour   Interval = "Hour"
	IntervalDay    Interval = "Day"
	IntervalWeek   Interval = "Week"
	IntervalMonth  Interval = "Month"
	IntervalYear   Interval = "Year"
)

// AllIntervals возвращает окна от мелкого к крупному
func AllIntervals() []Interval {
	return []Interval{
		IntervalMinute, IntervalHour, IntervalDay,
		IntervalWeek, IntervalMonth, IntervalYear,
	}
}

// Duration возвращает длину одного бакета окна.
// Месяц считается как 28 дней, год как 365.
func (i Interval) Duration() time.Duration {
	switch i {
	case IntervalMinute:
		return time.Minute
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	case IntervalWeek:
		return 7 * 24 * time.Hour
	case IntervalMonth:
		return 28 * 24 * time.Hour
	case IntervalYear:
		return 365 * 24 * time.Hour
	}
	return 0
}

// defaultBuckets возвращает глубину истории окна
func (i Interval) defaultBuckets() int {
	switch i {
	case IntervalMinute:
		return 60
	case IntervalHour:
		return 72
	case IntervalDay:
		return 56
	case IntervalWeek:
		return 52
	case IntervalMonth:
		return 12
	case IntervalYear:
		return 4
	}
	return 0
}

// ParseInterval разбирает имя окна без учёта регистра
func ParseInterval(name string) (Interval, error) {
	for _, interval := range AllIntervals() {
		if string(interval) == name {
			return interval, nil
		}
	}
	return "", fmt.Errorf("unknown interval %q", name)
}

// bucketRing хранит счётчики бакетов окна, индекс 0 - текущий бакет
type bucketRing struct {
	Buckets    []uint64 `json:"buckets"`
	MaxBuckets int      `json:"max_buckets"`
}

// rotate сдвигает кольцо на n свежих пустых бакетов
func (r *bucketRing) rotate(n int) {
	if n <= 0 {
		return
	}
	if n >= r.MaxBuckets {
		r.Buckets = make([]uint64, 0, r.MaxBuckets)
		return
	}
	fresh := make([]uint64, n, n+len(r.Buckets))
	r.Buckets = append(fresh, r.Buckets...)
	if len(r.Buckets) > r.MaxBuckets {
		r.Buckets = r.Buckets[:r.MaxBuckets]
	}
}

// incrementAt добавляет count в бакет index; слишком старые
// бакеты за пределами хранимой истории молча отбрасываются
func (r *bucketRing) incrementAt(index int, count uint64) {
	if index < 0 || index >= r.MaxBuckets {
		return
	}
	for len(r.Buckets) <= index {
		r.Buckets = append(r.Buckets, 0)
	}
	r.Buckets[index] += count
}

// sum возвращает сумму n самых свежих бакетов
func (r *bucketRing) sum(n int) uint64 {
	if n > len(r.Buckets) {
		n = len(r.Buckets)
	}
	var total uint64
	for _, v := range r.Buckets[:n] {
		total += v
	}
	return total
}

// intervalCounter - кольцо одного окна плюс момент начала текущего бакета
type intervalCounter struct {
	Ring      bucketRing `json:"ring"`
	StartTime time.Time  `json:"start_time"`
}

func newIntervalCounter(interval Interval, now time.Time) *intervalCounter {
	return &intervalCounter{
		Ring:      bucketRing{MaxBuckets: interval.defaultBuckets()},
		StartTime: now,
	}
}

// advance прокручивает кольцо на число полных интервалов с StartTime
func (c *intervalCounter) advance(interval Interval, now time.Time) {
	duration := interval.Duration()
	elapsed := now.Sub(c.StartTime)
	if elapsed < duration {
		return
	}
	rotations := int(elapsed / duration)
	c.Ring.rotate(rotations)
	c.StartTime = c.StartTime.Add(time.Duration(rotations) * duration)
}

// bucketIndex возвращает индекс бакета, покрывающего instant
func (c *intervalCounter) bucketIndex(interval Interval, instant time.Time) int {
	if !instant.Before(c.StartTime) {
		return 0
	}
	return 1 + int(c.StartTime.Sub(instant)/interval.Duration())
}

// eventCounters держит все окна одного события
type eventCounters map[Interval]*intervalCounter

func newEventCounters(now time.Time) eventCounters {
	counters := make(eventCounters, len(AllIntervals()))
	for _, interval := range AllIntervals() {
		counters[interval] = newIntervalCounter(interval, now)
	}
	return counters
}
