package sqlite

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncengine "github.com/iudanet/synckit/internal/client/sync"
	"github.com/iudanet/synckit/internal/crypto"
	"github.com/iudanet/synckit/internal/interrupt"
	"github.com/iudanet/synckit/internal/models"
	"github.com/iudanet/synckit/pkg/api"
)

type syncFixture struct {
	storage *Storage
	store   *CardsStore
	engine  *syncengine.Engine[models.Card]
	codec   *crypto.PayloadCipher
	atRest  *crypto.Encryptor
	handle  *interrupt.Interruptee
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	ctx := context.Background()

	storage, err := New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	atRest, err := crypto.NewEncryptorWithRandomKey()
	require.NoError(t, err)

	bundle, err := crypto.NewRandomKeyBundle()
	require.NoError(t, err)
	codec := crypto.NewPayloadCipher(bundle)

	store := NewCardsStore(atRest, codec)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := syncengine.NewEngine(storage.DB(), store, codec, logger)

	scope := &interrupt.Scope{}
	return &syncFixture{
		storage: storage,
		store:   store,
		engine:  engine,
		codec:   codec,
		atRest:  atRest,
		handle:  scope.Begin(),
	}
}

func (f *syncFixture) envelope(t *testing.T, card models.Card, modified int64) api.Envelope {
	t.Helper()
	cleartext, err := json.Marshal(card)
	require.NoError(t, err)
	payload, err := f.codec.Encode(cleartext)
	require.NoError(t, err)
	return api.Envelope{ID: card.Guid, Payload: payload, Modified: modified}
}

func (f *syncFixture) tombstoneEnvelope(t *testing.T, guid string, modified int64) api.Envelope {
	t.Helper()
	cleartext, err := json.Marshal(api.Tombstone{ID: guid, Deleted: true})
	require.NoError(t, err)
	payload, err := f.codec.Encode(cleartext)
	require.NoError(t, err)
	return api.Envelope{ID: guid, Payload: payload, Modified: modified}
}

// insertLocal вставляет локальную запись напрямую, минуя сервис
func (f *syncFixture) insertLocal(t *testing.T, card models.Card, counter int64) {
	t.Helper()
	numberEnc := ""
	if card.Number != "" {
		enc, err := f.atRest.EncryptToString([]byte(card.Number))
		require.NoError(t, err)
		numberEnc = enc
	}
	_, err := f.storage.DB().Exec(`
		INSERT INTO cards_data (guid, name_on_card, card_number_enc, last4, card_type,
		                        exp_month, exp_year, times_used, time_last_used, sync_change_counter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.Guid, card.NameOnCard, numberEnc, card.Last4, card.CardType,
		card.ExpMonth, card.ExpYear, card.TimesUsed, card.TimeLastUsed, counter)
	require.NoError(t, err)
}

func (f *syncFixture) insertMirror(t *testing.T, envelope api.Envelope, overridden bool) {
	t.Helper()
	_, err := f.storage.DB().Exec(
		`INSERT INTO cards_mirror (guid, payload, server_modified_ms, is_overridden) VALUES (?, ?, ?, ?)`,
		envelope.ID, envelope.Payload, envelope.Modified, overridden)
	require.NoError(t, err)
}

func (f *syncFixture) insertTombstone(t *testing.T, guid string) {
	t.Helper()
	_, err := f.storage.DB().Exec(`INSERT INTO cards_tombstones (guid) VALUES (?)`, guid)
	require.NoError(t, err)
}

func (f *syncFixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.storage.DB().QueryRow(query, args...).Scan(&n))
	return n
}

func (f *syncFixture) localCard(t *testing.T, guid string) (models.Card, int64) {
	t.Helper()
	var (
		card      models.Card
		numberEnc string
		counter   int64
	)
	err := f.storage.DB().QueryRow(`
		SELECT guid, name_on_card, card_number_enc, last4, card_type,
		       exp_month, exp_year, times_used, time_last_used, sync_change_counter
		FROM cards_data WHERE guid = ?`, guid).Scan(
		&card.Guid, &card.NameOnCard, &numberEnc, &card.Last4, &card.CardType,
		&card.ExpMonth, &card.ExpYear, &card.TimesUsed, &card.TimeLastUsed, &counter)
	require.NoError(t, err)
	if numberEnc != "" {
		number, err := f.atRest.DecryptFromString(numberEnc)
		require.NoError(t, err)
		card.Number = string(number)
	}
	return card, counter
}

// checkInvariants проверяет инварианты хранилища, обязанные держаться
// до и после любой синхронизации
func (f *syncFixture) checkInvariants(t *testing.T) {
	t.Helper()

	// Guid существует не более чем в одном из local / tombstones
	overlap := f.count(t, `
		SELECT COUNT(*) FROM cards_data d
		JOIN cards_tombstones ts ON ts.guid = d.guid`)
	assert.Zero(t, overlap, "guid present both as record and tombstone")

	// Измененная локальная запись с зеркалом означает перекрытое зеркало
	unoverridden := f.count(t, `
		SELECT COUNT(*) FROM cards_data d
		JOIN cards_mirror m ON m.guid = d.guid
		WHERE d.sync_change_counter > 0 AND m.is_overridden = 0`)
	assert.Zero(t, unoverridden, "modified local row with non-overridden mirror")

	// Staging пуст вне активного прогона
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_sync_staging`))
}

func TestApplyIncoming_NewRecord(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	incoming := models.Card{
		Guid: "guidA", NameOnCard: "X", Number: "4111111111111111",
		Last4: "1111", ExpMonth: 12, ExpYear: 2030,
	}
	summary, err := f.engine.ApplyIncoming(ctx, []api.Envelope{f.envelope(t, incoming, 1000)}, f.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)
	assert.Zero(t, summary.Malformed)

	card, counter := f.localCard(t, "guidA")
	assert.Equal(t, "X", card.NameOnCard)
	assert.Equal(t, "4111111111111111", card.Number)
	assert.Zero(t, counter)

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM cards_mirror WHERE guid = ?`, "guidA"))
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_tombstones`))
	f.checkInvariants(t)
}

func TestApplyIncoming_TombstoneWithMirrorTombstone(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	// Сервер уже хранит tombstone B, локально тоже есть tombstone
	serverTombstone := f.tombstoneEnvelope(t, "guidB", 500)
	f.insertMirror(t, serverTombstone, false)
	f.insertTombstone(t, "guidB")

	summary, err := f.engine.ApplyIncoming(ctx, []api.Envelope{f.tombstoneEnvelope(t, "guidB", 1000)}, f.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)

	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_data`))
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_tombstones`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM cards_mirror WHERE guid = ?`, "guidB"))
	f.checkInvariants(t)

	// Удаление уже известно серверу и не переотправляется
	envelopes, err := f.engine.FetchOutgoing(ctx, f.handle)
	require.NoError(t, err)
	assert.Empty(t, envelopes)
}

func TestApplyIncoming_Dedupe(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	local := models.Card{
		Guid: "guidL", NameOnCard: "Me", Number: "4111222233345678",
		Last4: "5678", CardType: "cash", ExpMonth: 12, ExpYear: 2021,
	}
	f.insertLocal(t, local, 1)

	incoming := local
	incoming.Guid = "guidI"
	summary, err := f.engine.ApplyIncoming(ctx, []api.Envelope{f.envelope(t, incoming, 1000)}, f.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)

	// Локальная запись приняла серверный guid, старый исчез
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_data WHERE guid = ?`, "guidL"))
	card, counter := f.localCard(t, "guidI")
	assert.Equal(t, "Me", card.NameOnCard)
	assert.Equal(t, int64(1), counter)
	f.checkInvariants(t)
}

func TestApplyIncoming_NoDupeForDifferentNumber(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	local := models.Card{
		Guid: "guidL", NameOnCard: "Me", Number: "4111222233345678",
		Last4: "5678", CardType: "cash", ExpMonth: 12, ExpYear: 2021,
	}
	f.insertLocal(t, local, 1)

	// Совпадает проекция, но не номер - это разные карты
	incoming := local
	incoming.Guid = "guidI"
	incoming.Number = "5555666677775678"
	_, err := f.engine.ApplyIncoming(ctx, []api.Envelope{f.envelope(t, incoming, 1000)}, f.handle)
	require.NoError(t, err)

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM cards_data WHERE guid = ?`, "guidL"))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM cards_data WHERE guid = ?`, "guidI"))
}

func TestApplyIncoming_MergeKeepsBothEdits(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	base := models.Card{
		Guid: "guidM", NameOnCard: "Base", Number: "4111111111111111",
		Last4: "1111", ExpMonth: 1, ExpYear: 2030, TimesUsed: 3, TimeLastUsed: 100,
	}
	mirror := f.envelope(t, base, 500)
	f.insertMirror(t, mirror, true)

	// Локально сменилось имя и вырос счетчик использований
	local := base
	local.NameOnCard = "Local"
	local.TimesUsed = 5
	local.TimeLastUsed = 200
	f.insertLocal(t, local, 2)

	// Удаленно сменился год
	remote := base
	remote.ExpYear = 2031
	remote.TimesUsed = 4
	remote.TimeLastUsed = 300

	_, err := f.engine.ApplyIncoming(ctx, []api.Envelope{f.envelope(t, remote, 1000)}, f.handle)
	require.NoError(t, err)

	merged, counter := f.localCard(t, "guidM")
	assert.Equal(t, "Local", merged.NameOnCard, "local-only edit survives")
	assert.Equal(t, int64(2031), merged.ExpYear, "remote-only edit survives")
	assert.Equal(t, int64(5), merged.TimesUsed, "usage counters merge by max")
	assert.Equal(t, int64(300), merged.TimeLastUsed)
	assert.Equal(t, int64(1), counter, "merged record is dirty")
	f.checkInvariants(t)
}

func TestApplyIncoming_ConflictWithoutMirrorTakesRemote(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	local := models.Card{Guid: "guidC", NameOnCard: "Local", Number: "4111111111111111", Last4: "1111", ExpMonth: 2, ExpYear: 2028}
	f.insertLocal(t, local, 3)

	remote := local
	remote.NameOnCard = "Remote"
	_, err := f.engine.ApplyIncoming(ctx, []api.Envelope{f.envelope(t, remote, 1000)}, f.handle)
	require.NoError(t, err)

	card, counter := f.localCard(t, "guidC")
	assert.Equal(t, "Remote", card.NameOnCard)
	assert.Zero(t, counter)
}

func TestApplyIncoming_TombstoneVsLocalEdits(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		counter     int64
		wantRecords int
		wantCounter int64
	}{
		{name: "modified local resurrects", counter: 2, wantRecords: 1, wantCounter: 1},
		{name: "unmodified local deletes", counter: 0, wantRecords: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSyncFixture(t)
			card := models.Card{Guid: "guidT", NameOnCard: "T", Number: "4111111111111111", Last4: "1111", ExpMonth: 3, ExpYear: 2029}
			f.insertLocal(t, card, tt.counter)

			_, err := f.engine.ApplyIncoming(ctx, []api.Envelope{f.tombstoneEnvelope(t, "guidT", 1000)}, f.handle)
			require.NoError(t, err)

			assert.Equal(t, tt.wantRecords, f.count(t, `SELECT COUNT(*) FROM cards_data WHERE guid = ?`, "guidT"))
			if tt.wantRecords > 0 {
				_, counter := f.localCard(t, "guidT")
				assert.Equal(t, tt.wantCounter, counter)
				assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_tombstones`))
			} else {
				assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM cards_tombstones WHERE guid = ?`, "guidT"))
			}
			f.checkInvariants(t)
		})
	}
}

func TestApplyIncoming_MalformedDoesNotAbortBatch(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	good := models.Card{Guid: "guidG", NameOnCard: "Good", Number: "4111111111111111", Last4: "1111", ExpMonth: 4, ExpYear: 2027}
	batch := []api.Envelope{
		{ID: "guidBad", Payload: "not an encrypted envelope", Modified: 900},
		f.envelope(t, good, 1000),
	}

	summary, err := f.engine.ApplyIncoming(ctx, batch, f.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 1, summary.Malformed)

	// Malformed запись не попала ни в local, ни в mirror
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_data WHERE guid = ?`, "guidBad"))
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_mirror WHERE guid = ?`, "guidBad"))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM cards_data WHERE guid = ?`, "guidG"))
	f.checkInvariants(t)
}

func TestApplyIncoming_Idempotent(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	card := models.Card{Guid: "guidA", NameOnCard: "X", Number: "4111111111111111", Last4: "1111", ExpMonth: 5, ExpYear: 2026}
	batch := []api.Envelope{f.envelope(t, card, 1000)}

	_, err := f.engine.ApplyIncoming(ctx, batch, f.handle)
	require.NoError(t, err)
	first, firstCounter := f.localCard(t, "guidA")

	_, err = f.engine.ApplyIncoming(ctx, batch, f.handle)
	require.NoError(t, err)
	second, secondCounter := f.localCard(t, "guidA")

	assert.Equal(t, first, second)
	assert.Equal(t, firstCounter, secondCounter)
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM cards_data`))
	f.checkInvariants(t)
}

func TestApplyIncoming_Interrupted(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	scope := &interrupt.Scope{}
	handle := scope.Begin()
	scope.Interrupt()

	card := models.Card{Guid: "guidA", NameOnCard: "X", Number: "4111111111111111", Last4: "1111", ExpMonth: 6, ExpYear: 2026}
	_, err := f.engine.ApplyIncoming(ctx, []api.Envelope{f.envelope(t, card, 1000)}, handle)
	require.Error(t, err)
	assert.ErrorIs(t, err, interrupt.ErrInterrupted)

	// Транзакция откатилась целиком, staging пуст
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_data`))
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_sync_staging`))
}

func TestRoundTrip_MirrorMatchesUploadedPayload(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	local := models.Card{Guid: "guidU", NameOnCard: "Up", Number: "4111111111111111", Last4: "1111", ExpMonth: 7, ExpYear: 2027}
	f.insertLocal(t, local, 1)

	envelopes, err := f.engine.FetchOutgoing(ctx, f.handle)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)

	uploaded := map[string]string{"guidU": envelopes[0].Payload}
	require.NoError(t, f.engine.CommitUpload(ctx, uploaded, 2000))

	// Счетчик обнулен, зеркало равно реально загруженному payload
	_, counter := f.localCard(t, "guidU")
	assert.Zero(t, counter)

	var mirrorPayload string
	require.NoError(t, f.storage.DB().QueryRow(
		`SELECT payload FROM cards_mirror WHERE guid = ?`, "guidU").Scan(&mirrorPayload))
	assert.Equal(t, envelopes[0].Payload, mirrorPayload)

	cleartext, err := f.codec.Decode(mirrorPayload)
	require.NoError(t, err)
	var fromMirror models.Card
	require.NoError(t, json.Unmarshal(cleartext, &fromMirror))
	assert.Equal(t, local, fromMirror)
	f.checkInvariants(t)
}

func TestFetchOutgoing_DeletedCardUploadsTombstone(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	// Синхронизированная карта удалена локально: tombstone + перекрытое зеркало
	card := models.Card{Guid: "guidD", NameOnCard: "D", Number: "4111111111111111", Last4: "1111", ExpMonth: 8, ExpYear: 2027}
	f.insertMirror(t, f.envelope(t, card, 500), true)
	f.insertTombstone(t, "guidD")

	envelopes, err := f.engine.FetchOutgoing(ctx, f.handle)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)

	cleartext, err := f.codec.Decode(envelopes[0].Payload)
	require.NoError(t, err)
	var tombstone api.Tombstone
	require.NoError(t, json.Unmarshal(cleartext, &tombstone))
	assert.True(t, tombstone.Deleted)
	assert.Equal(t, "guidD", tombstone.ID)

	// После подтверждения сервером локальный tombstone снят
	require.NoError(t, f.engine.CommitUpload(ctx, map[string]string{"guidD": envelopes[0].Payload}, 3000))
	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_tombstones`))
	f.checkInvariants(t)
}

func TestBatchOutgoing_RespectsLimits(t *testing.T) {
	f := newSyncFixture(t)

	var envelopes []api.Envelope
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		envelopes = append(envelopes, api.Envelope{ID: id, Payload: "payload-" + id})
	}

	limits := api.DefaultInfoConfiguration()
	limits.MaxPostRecords = 2
	batches := f.engine.BatchOutgoing(envelopes, limits)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
}

func TestEngineReset_MarksEverythingDirty(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	card := models.Card{Guid: "guidR", NameOnCard: "R", Number: "4111111111111111", Last4: "1111", ExpMonth: 9, ExpYear: 2028}
	f.insertLocal(t, card, 0)
	f.insertMirror(t, f.envelope(t, card, 500), false)

	require.NoError(t, f.engine.Reset(ctx))

	assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM cards_mirror`))
	_, counter := f.localCard(t, "guidR")
	assert.Equal(t, int64(1), counter)
}
