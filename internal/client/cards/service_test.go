package cards

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientsqlite "github.com/iudanet/synckit/internal/client/storage/sqlite"
	"github.com/iudanet/synckit/internal/crypto"
	"github.com/iudanet/synckit/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	storage, err := clientsqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	atRest, err := crypto.NewEncryptorWithRandomKey()
	require.NoError(t, err)
	return NewService(storage.DB(), atRest, testLogger())
}

func testFields() models.CardFields {
	return models.CardFields{
		NameOnCard: "Alice Cooper",
		Number:     "4111111111111111",
		CardType:   "visa",
		ExpMonth:   12,
		ExpYear:    2030,
	}
}

func TestService_AddAndGet(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	card, err := service.Add(ctx, testFields())
	require.NoError(t, err)
	assert.NotEmpty(t, card.Guid)
	assert.Equal(t, "1111", card.Last4)

	got, err := service.Get(ctx, card.Guid)
	require.NoError(t, err)
	assert.Equal(t, "4111111111111111", got.Number)
	assert.Equal(t, "Alice Cooper", got.NameOnCard)
	assert.Equal(t, int64(12), got.ExpMonth)
	assert.Zero(t, got.TimesUsed)
}

func TestService_Add_NumberEncryptedOnDisk(t *testing.T) {
	ctx := context.Background()
	storage, err := clientsqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	atRest, err := crypto.NewEncryptorWithRandomKey()
	require.NoError(t, err)
	service := NewService(storage.DB(), atRest, testLogger())

	card, err := service.Add(ctx, testFields())
	require.NoError(t, err)

	var numberEnc string
	require.NoError(t, storage.DB().QueryRow(
		`SELECT card_number_enc FROM cards_data WHERE guid = ?`, card.Guid).Scan(&numberEnc))
	assert.NotEqual(t, "4111111111111111", numberEnc)
	assert.NotContains(t, numberEnc, "4111")
}

func TestService_Add_Validation(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	tests := []struct {
		name   string
		mutate func(*models.CardFields)
	}{
		{"empty number", func(f *models.CardFields) { f.Number = "" }},
		{"short number", func(f *models.CardFields) { f.Number = "411" }},
		{"month zero", func(f *models.CardFields) { f.ExpMonth = 0 }},
		{"month thirteen", func(f *models.CardFields) { f.ExpMonth = 13 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := testFields()
			tt.mutate(&fields)
			_, err := service.Add(ctx, fields)
			assert.ErrorIs(t, err, ErrInvalidCard)
		})
	}
}

func TestService_Update(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	card, err := service.Add(ctx, testFields())
	require.NoError(t, err)

	updated := testFields()
	updated.NameOnCard = "Alice C."
	updated.Number = "5555555555554444"
	require.NoError(t, service.Update(ctx, card.Guid, updated))

	got, err := service.Get(ctx, card.Guid)
	require.NoError(t, err)
	assert.Equal(t, "Alice C.", got.NameOnCard)
	assert.Equal(t, "5555555555554444", got.Number)
	assert.Equal(t, "4444", got.Last4)
}

func TestService_Update_NotFound(t *testing.T) {
	service := newTestService(t)
	err := service.Update(context.Background(), "AAAAAAAAAAAA", testFields())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_List_SortedByName(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	second := testFields()
	second.NameOnCard = "Bob"
	_, err := service.Add(ctx, second)
	require.NoError(t, err)
	_, err = service.Add(ctx, testFields())
	require.NoError(t, err)

	list, err := service.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Alice Cooper", list[0].NameOnCard)
	assert.Equal(t, "Bob", list[1].NameOnCard)
}

func TestService_DeleteByID(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	card, err := service.Add(ctx, testFields())
	require.NoError(t, err)
	require.NoError(t, service.DeleteByID(ctx, card.Guid))

	_, err = service.Get(ctx, card.Guid)
	assert.ErrorIs(t, err, ErrNotFound)

	// Удаление оставляет tombstone для синхронизации
	var count int
	require.NoError(t, service.db.QueryRow(
		`SELECT COUNT(*) FROM cards_tombstones WHERE guid = ?`, card.Guid).Scan(&count))
	assert.Equal(t, 1, count)

	assert.ErrorIs(t, service.DeleteByID(ctx, card.Guid), ErrNotFound)
}

// markSynced имитирует завершенную синхронизацию: зеркальная строка
// появляется, счетчик изменений обнуляется
func markSynced(t *testing.T, service *Service, guid string) {
	t.Helper()
	_, err := service.db.Exec(
		`INSERT INTO cards_mirror (guid, payload, server_modified_ms, is_overridden) VALUES (?, 'x', 1000, 0)`,
		guid)
	require.NoError(t, err)
	_, err = service.db.Exec(`UPDATE cards_data SET sync_change_counter = 0 WHERE guid = ?`, guid)
	require.NoError(t, err)
}

func mirrorState(t *testing.T, service *Service, guid string) (counter, overridden int64) {
	t.Helper()
	require.NoError(t, service.db.QueryRow(
		`SELECT d.sync_change_counter, m.is_overridden
		 FROM cards_data d JOIN cards_mirror m ON m.guid = d.guid
		 WHERE d.guid = ?`, guid).Scan(&counter, &overridden))
	return counter, overridden
}

// Любая локальная правка синхронизированной записи обязана перекрывать
// зеркало вместе с инкрементом счетчика, иначе reconciler посчитает
// локальную строку нетронутой
func TestService_LocalEditsOverrideMirror(t *testing.T) {
	ctx := context.Background()

	t.Run("update", func(t *testing.T) {
		service := newTestService(t)
		card, err := service.Add(ctx, testFields())
		require.NoError(t, err)
		markSynced(t, service, card.Guid)

		require.NoError(t, service.Update(ctx, card.Guid, testFields()))
		counter, overridden := mirrorState(t, service, card.Guid)
		assert.Equal(t, int64(1), counter)
		assert.Equal(t, int64(1), overridden)
	})

	t.Run("touch", func(t *testing.T) {
		service := newTestService(t)
		card, err := service.Add(ctx, testFields())
		require.NoError(t, err)
		markSynced(t, service, card.Guid)

		require.NoError(t, service.Touch(ctx, card.Guid))
		counter, overridden := mirrorState(t, service, card.Guid)
		assert.Equal(t, int64(1), counter)
		assert.Equal(t, int64(1), overridden)
	})

	t.Run("delete", func(t *testing.T) {
		service := newTestService(t)
		card, err := service.Add(ctx, testFields())
		require.NoError(t, err)
		markSynced(t, service, card.Guid)

		require.NoError(t, service.DeleteByID(ctx, card.Guid))
		var overridden int64
		require.NoError(t, service.db.QueryRow(
			`SELECT is_overridden FROM cards_mirror WHERE guid = ?`, card.Guid).Scan(&overridden))
		assert.Equal(t, int64(1), overridden)
	})
}

func TestService_TouchAndTimesUsed(t *testing.T) {
	ctx := context.Background()
	used := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	service := newTestService(t).WithClock(func() time.Time { return used })

	card, err := service.Add(ctx, testFields())
	require.NoError(t, err)

	require.NoError(t, service.Touch(ctx, card.Guid))
	require.NoError(t, service.Touch(ctx, card.Guid))

	count, err := service.TimesUsed(ctx, card.Guid)
	require.NoError(t, err)
	require.NotNil(t, count)
	assert.Equal(t, int64(2), *count)

	got, err := service.Get(ctx, card.Guid)
	require.NoError(t, err)
	assert.Equal(t, used.UnixMilli(), got.TimeLastUsed)

	// nil строго означает "карты нет"
	missing, err := service.TimesUsed(ctx, "AAAAAAAAAAAA")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.ErrorIs(t, service.Touch(ctx, "AAAAAAAAAAAA"), ErrNotFound)
}

func TestService_ScrubEncryptedData(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)

	card, err := service.Add(ctx, testFields())
	require.NoError(t, err)
	require.NoError(t, service.ScrubEncryptedData(ctx))

	// Нечувствительная проекция остается, номер потерян
	got, err := service.Get(ctx, card.Guid)
	require.NoError(t, err)
	assert.Empty(t, got.Number)
	assert.Equal(t, "1111", got.Last4)
	assert.Equal(t, "Alice Cooper", got.NameOnCard)
}

func TestService_UpgradeDedupeFields(t *testing.T) {
	service := newTestService(t)

	assert.NoError(t, service.UpgradeDedupeFields([]string{"card_number", "last4"}))
	assert.NoError(t, service.UpgradeDedupeFields(nil))

	err := service.UpgradeDedupeFields([]string{"card_number", "billing_address"})
	assert.ErrorIs(t, err, ErrNotYetImplemented)
}
