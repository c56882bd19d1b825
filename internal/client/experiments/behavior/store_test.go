package behavior

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEventStore_RecordAndQuery(t *testing.T) {
	store := NewEventStore().WithClock(fixedClock(time.Unix(1700000000, 0)))

	store.RecordEvent("app_launched", 1)
	store.RecordEvent("app_launched", 2)

	for _, interval := range AllIntervals() {
		got, err := store.Query("app_launched", interval, 1, false)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got, "interval %s", interval)
	}
}

func TestEventStore_MissingEvent(t *testing.T) {
	store := NewEventStore()

	got, err := store.Query("never_seen", IntervalDay, 7, true)
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = store.Query("never_seen", IntervalDay, 7, false)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestEventStore_AdvanceClockRotatesBuckets(t *testing.T) {
	store := NewEventStore().WithClock(fixedClock(time.Unix(1700000000, 0)))

	store.RecordEvent("clicked", 5)
	store.AdvanceClock(2 * 24 * time.Hour)

	// Текущий дневной бакет пуст, история из трёх бакетов видит запись
	current, err := store.Query("clicked", IntervalDay, 1, false)
	require.NoError(t, err)
	assert.Zero(t, current)

	window, err := store.Query("clicked", IntervalDay, 3, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), window)

	// Недельное окно всё ещё в текущем бакете
	week, err := store.Query("clicked", IntervalWeek, 1, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), week)
}

func TestEventStore_RecordPastEvent(t *testing.T) {
	store := NewEventStore().WithClock(fixedClock(time.Unix(1700000000, 0)))

	require.NoError(t, store.RecordPastEvent("synced", 1, 3*24*60*60))

	current, err := store.Query("synced", IntervalDay, 1, false)
	require.NoError(t, err)
	assert.Zero(t, current, "a three day old event must not land in the current day")

	window, err := store.Query("synced", IntervalDay, 7, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), window)
}

func TestEventStore_RecordPastEventNegativeDuration(t *testing.T) {
	store := NewEventStore()
	err := store.RecordPastEvent("synced", 1, -5)
	require.ErrorIs(t, err, ErrInvalidDuration)
}

func TestEventStore_EventsExpireBeyondHistory(t *testing.T) {
	store := NewEventStore().WithClock(fixedClock(time.Unix(1700000000, 0)))

	store.RecordEvent("rare", 1)
	// Минутное окно хранит 60 бакетов; спустя два часа запись ушла
	store.AdvanceClock(2 * time.Hour)

	minutes, err := store.Query("rare", IntervalMinute, 60, false)
	require.NoError(t, err)
	assert.Zero(t, minutes)

	hours, err := store.Query("rare", IntervalHour, 3, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), hours)
}

func TestParseInterval(t *testing.T) {
	interval, err := ParseInterval("Day")
	require.NoError(t, err)
	assert.Equal(t, IntervalDay, interval)

	_, err = ParseInterval("Fortnight")
	require.Error(t, err)
}
