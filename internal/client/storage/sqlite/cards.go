package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iudanet/synckit/internal/client/sync"
	"github.com/iudanet/synckit/internal/crypto"
	"github.com/iudanet/synckit/internal/models"
	"github.com/iudanet/synckit/internal/validation"
)

const (
	// CardsCollection - имя коллекции карт на сервере
	CardsCollection = "cards"

	// CardsEngineVersion - локальная версия схемы движка карт.
	// Несовпадение с meta/global вызывает сброс коллекции.
	CardsEngineVersion = 1
)

// CardsStore реализует табличные операции коллекции карт поверх
// трёх таблиц cards_data / cards_mirror / cards_tombstones плюс
// транзитной cards_sync_staging.
//
// Номер карты в cards_data хранится зашифрованным ключом at-rest;
// payload в mirror и staging - серверный конверт как есть.
type CardsStore struct {
	atRest *crypto.Encryptor
	codec  sync.PayloadCodec
}

var _ sync.RecordImpl[models.Card] = (*CardsStore)(nil)

// NewCardsStore создает хранилище коллекции карт
// atRest шифрует номер карты на диске, codec расшифровывает серверные конверты
func NewCardsStore(atRest *crypto.Encryptor, codec sync.PayloadCodec) *CardsStore {
	return &CardsStore{atRest: atRest, codec: codec}
}

// CollectionName возвращает имя коллекции на сервере
func (s *CardsStore) CollectionName() string {
	return CardsCollection
}

// cardEnvelope - cleartext payload записи карты. Deleted помечает tombstone.
type cardEnvelope struct {
	models.Card
	Deleted bool `json:"deleted,omitempty"`
}

// StageIncoming вставляет сырые входящие записи в staging
func (s *CardsStore) StageIncoming(ctx context.Context, tx *sql.Tx, records []sync.StagedRecord) error {
	const query = `
		INSERT OR REPLACE INTO cards_sync_staging (guid, payload, server_modified_ms)
		VALUES (?, ?, ?)
	`
	for _, record := range records {
		if _, err := tx.ExecContext(ctx, query, record.Guid, record.Payload, record.ServerModified); err != nil {
			return fmt.Errorf("failed to stage record: %w", err)
		}
	}
	return nil
}

// FetchIncomingStates собирает состояние (mirror, incoming, local)
// по каждому staged guid одним запросом
func (s *CardsStore) FetchIncomingStates(ctx context.Context, tx *sql.Tx) ([]models.IncomingState[models.Card], error) {
	const query = `
		SELECT s.guid, s.payload, s.server_modified_ms,
		       m.guid IS NOT NULL, COALESCE(m.payload, ''),
		       d.guid IS NOT NULL, COALESCE(d.name_on_card, ''), COALESCE(d.card_number_enc, ''),
		       COALESCE(d.last4, ''), COALESCE(d.card_type, ''),
		       COALESCE(d.exp_month, 0), COALESCE(d.exp_year, 0),
		       COALESCE(d.times_used, 0), COALESCE(d.time_last_used, 0),
		       COALESCE(d.sync_change_counter, 0),
		       t.guid IS NOT NULL
		FROM cards_sync_staging s
		LEFT JOIN cards_mirror m ON m.guid = s.guid
		LEFT JOIN cards_data d ON d.guid = s.guid
		LEFT JOIN cards_tombstones t ON t.guid = s.guid
		ORDER BY s.guid
	`
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query incoming states: %w", err)
	}
	defer rows.Close()

	var states []models.IncomingState[models.Card]
	for rows.Next() {
		var (
			guid, payload             string
			serverModified            int64
			hasMirror, hasLocal       bool
			hasTombstone              bool
			mirrorPayload             string
			local                     models.Card
			numberEnc                 string
			counter                   int64
		)
		if err := rows.Scan(
			&guid, &payload, &serverModified,
			&hasMirror, &mirrorPayload,
			&hasLocal, &local.NameOnCard, &numberEnc,
			&local.Last4, &local.CardType,
			&local.ExpMonth, &local.ExpYear,
			&local.TimesUsed, &local.TimeLastUsed,
			&counter,
			&hasTombstone,
		); err != nil {
			return nil, fmt.Errorf("failed to scan incoming state: %w", err)
		}

		state := models.IncomingState[models.Card]{
			Incoming: s.classifyIncoming(guid, payload, serverModified),
		}

		if hasMirror {
			if mirror, kind := s.decodePayload(mirrorPayload); kind == models.IncomingContent {
				state.Mirror = mirror
			}
		}

		state.Local = s.classifyLocal(hasLocal, hasTombstone, guid, &local, numberEnc, counter)
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate incoming states: %w", err)
	}
	return states, nil
}

// classifyIncoming расшифровывает и разбирает staged payload.
// Любая ошибка расшифровки или разбора дает Malformed вместо
// отказа всего батча.
func (s *CardsStore) classifyIncoming(guid, payload string, serverModified int64) models.Incoming[models.Card] {
	incoming := models.Incoming[models.Card]{Guid: guid, Modified: serverModified}

	if err := validation.ValidateGuid(guid); err != nil {
		incoming.Kind = models.IncomingMalformed
		return incoming
	}

	record, kind := s.decodePayload(payload)
	incoming.Kind = kind
	if kind == models.IncomingContent {
		record.Guid = guid
		incoming.Record = record
	}
	return incoming
}

// decodePayload расшифровывает конверт и разбирает cleartext
func (s *CardsStore) decodePayload(payload string) (*models.Card, models.IncomingKind) {
	cleartext, err := s.codec.Decode(payload)
	if err != nil {
		return nil, models.IncomingMalformed
	}

	var envelope cardEnvelope
	if err := json.Unmarshal(cleartext, &envelope); err != nil {
		return nil, models.IncomingMalformed
	}
	if envelope.Deleted {
		return nil, models.IncomingTombstone
	}
	card := envelope.Card
	return &card, models.IncomingContent
}

// classifyLocal определяет локальное состояние guid.
// Пустой card_number_enc при непустой карте означает scrubbed: номер
// потерян (например, сменился at-rest ключ), запись не считается
// локально изменённой.
func (s *CardsStore) classifyLocal(hasLocal, hasTombstone bool, guid string, local *models.Card, numberEnc string, counter int64) models.LocalState[models.Card] {
	switch {
	case hasTombstone:
		return models.LocalState[models.Card]{Kind: models.LocalTombstone}
	case !hasLocal:
		return models.LocalState[models.Card]{Kind: models.LocalMissing}
	}

	local.Guid = guid

	if numberEnc == "" {
		return models.LocalState[models.Card]{Kind: models.LocalScrubbed, Record: local}
	}

	number, err := s.atRest.DecryptFromString(numberEnc)
	if err != nil {
		return models.LocalState[models.Card]{Kind: models.LocalScrubbed, Record: local}
	}
	local.Number = string(number)

	if counter > 0 {
		return models.LocalState[models.Card]{Kind: models.LocalModified, Record: local}
	}
	return models.LocalState[models.Card]{Kind: models.LocalUnmodified, Record: local}
}

// GetLocalDupe ищет локальный дубликат по содержимому. Кандидаты
// отбираются по нечувствительной проекции, затем сравнивается
// расшифрованный номер. Строки с серверной идентичностью (есть в
// mirror) исключаются.
func (s *CardsStore) GetLocalDupe(ctx context.Context, tx *sql.Tx, incoming *models.Card) (string, bool, error) {
	const query = `
		SELECT d.guid, d.card_number_enc
		FROM cards_data d
		LEFT JOIN cards_mirror m ON m.guid = d.guid
		WHERE m.guid IS NULL
		  AND d.last4 = ?
		  AND d.exp_month = ?
		  AND d.exp_year = ?
		  AND d.name_on_card = ?
	`
	rows, err := tx.QueryContext(ctx, query, incoming.Last4, incoming.ExpMonth, incoming.ExpYear, incoming.NameOnCard)
	if err != nil {
		return "", false, fmt.Errorf("failed to query dupe candidates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var guid, numberEnc string
		if err := rows.Scan(&guid, &numberEnc); err != nil {
			return "", false, fmt.Errorf("failed to scan dupe candidate: %w", err)
		}
		if numberEnc == "" {
			continue
		}
		number, err := s.atRest.DecryptFromString(numberEnc)
		if err != nil {
			continue
		}
		if string(number) == incoming.Number {
			return guid, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("failed to iterate dupe candidates: %w", err)
	}
	return "", false, nil
}

// InsertLocal добавляет локальную запись с заданным counter
func (s *CardsStore) InsertLocal(ctx context.Context, tx *sql.Tx, record *models.Card, counter int64) error {
	numberEnc, err := s.encryptNumber(record.Number)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO cards_data (guid, name_on_card, card_number_enc, last4, card_type,
		                        exp_month, exp_year, times_used, time_last_used, sync_change_counter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		record.Guid, record.NameOnCard, numberEnc, record.Last4, record.CardType,
		record.ExpMonth, record.ExpYear, record.TimesUsed, record.TimeLastUsed, counter)
	if err != nil {
		return fmt.Errorf("failed to insert local record: %w", err)
	}
	return nil
}

// UpdateLocal перезаписывает локальную запись с заданным counter
func (s *CardsStore) UpdateLocal(ctx context.Context, tx *sql.Tx, guid string, record *models.Card, counter int64) error {
	numberEnc, err := s.encryptNumber(record.Number)
	if err != nil {
		return err
	}
	const query = `
		UPDATE cards_data
		SET name_on_card = ?, card_number_enc = ?, last4 = ?, card_type = ?,
		    exp_month = ?, exp_year = ?, times_used = ?, time_last_used = ?,
		    sync_change_counter = ?
		WHERE guid = ?
	`
	_, err = tx.ExecContext(ctx, query,
		record.NameOnCard, numberEnc, record.Last4, record.CardType,
		record.ExpMonth, record.ExpYear, record.TimesUsed, record.TimeLastUsed,
		counter, guid)
	if err != nil {
		return fmt.Errorf("failed to update local record: %w", err)
	}
	return nil
}

// ChangeRecordGuid переименовывает локальную запись в серверный guid.
// Счетчик ставится в 1, чтобы возможные отличия содержимого ушли
// на сервер при ближайшей загрузке. Зеркальная строка со старым
// guid, если есть, переименовывается вместе с записью.
func (s *CardsStore) ChangeRecordGuid(ctx context.Context, tx *sql.Tx, oldGuid, newGuid string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE cards_data SET guid = ?, sync_change_counter = 1 WHERE guid = ?`,
		newGuid, oldGuid); err != nil {
		return fmt.Errorf("failed to change record guid: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR REPLACE cards_mirror SET guid = ? WHERE guid = ?`,
		newGuid, oldGuid); err != nil {
		return fmt.Errorf("failed to change mirror guid: %w", err)
	}
	return nil
}

// RemoveRecord удаляет локальную запись
func (s *CardsStore) RemoveRecord(ctx context.Context, tx *sql.Tx, guid string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cards_data WHERE guid = ?`, guid); err != nil {
		return fmt.Errorf("failed to remove local record: %w", err)
	}
	return nil
}

// InsertTombstone добавляет локальный tombstone
func (s *CardsStore) InsertTombstone(ctx context.Context, tx *sql.Tx, guid string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cards_tombstones (guid) VALUES (?)`, guid); err != nil {
		return fmt.Errorf("failed to insert tombstone: %w", err)
	}
	return nil
}

// RemoveTombstone удаляет локальный tombstone
func (s *CardsStore) RemoveTombstone(ctx context.Context, tx *sql.Tx, guid string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cards_tombstones WHERE guid = ?`, guid); err != nil {
		return fmt.Errorf("failed to remove tombstone: %w", err)
	}
	return nil
}

// Merge выполняет трёхстороннее слияние карты
func (s *CardsStore) Merge(local, mirror, incoming *models.Card) *models.Card {
	if mirror == nil {
		mirror = &models.Card{}
	}
	return models.MergeCards(local, mirror, incoming)
}

// FinishIncoming продвигает staging в mirror и очищает staging.
// Malformed записи отбрасываются. is_overridden выставляется там,
// где локальная запись осталась изменённой после применения действий.
func (s *CardsStore) FinishIncoming(ctx context.Context, tx *sql.Tx, malformed []string) error {
	query := `
		INSERT OR REPLACE INTO cards_mirror (guid, payload, server_modified_ms, is_overridden)
		SELECT s.guid, s.payload, s.server_modified_ms,
		       EXISTS(SELECT 1 FROM cards_data d WHERE d.guid = s.guid AND d.sync_change_counter > 0)
		FROM cards_sync_staging s
	`
	args := make([]any, 0, len(malformed))
	if len(malformed) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(malformed)), ",")
		query += ` WHERE s.guid NOT IN (` + placeholders + `)`
		for _, guid := range malformed {
			args = append(args, guid)
		}
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to promote staging to mirror: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cards_sync_staging`); err != nil {
		return fmt.Errorf("failed to clear staging: %w", err)
	}
	return nil
}

// ListOutgoing перечисляет записи к загрузке: локальные строки
// с counter > 0 и tombstone'ы без неперекрытой зеркальной строки
func (s *CardsStore) ListOutgoing(ctx context.Context, tx *sql.Tx) ([]sync.OutgoingRecord[models.Card], error) {
	var outgoing []sync.OutgoingRecord[models.Card]

	const dataQuery = `
		SELECT guid, name_on_card, card_number_enc, last4, card_type,
		       exp_month, exp_year, times_used, time_last_used
		FROM cards_data
		WHERE sync_change_counter > 0
		ORDER BY guid
	`
	rows, err := tx.QueryContext(ctx, dataQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query outgoing records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			card      models.Card
			numberEnc string
		)
		if err := rows.Scan(&card.Guid, &card.NameOnCard, &numberEnc, &card.Last4, &card.CardType,
			&card.ExpMonth, &card.ExpYear, &card.TimesUsed, &card.TimeLastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan outgoing record: %w", err)
		}
		if numberEnc != "" {
			number, err := s.atRest.DecryptFromString(numberEnc)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt card number for %s: %w", card.Guid, err)
			}
			card.Number = string(number)
		}
		outgoing = append(outgoing, sync.OutgoingRecord[models.Card]{Record: &card, Guid: card.Guid})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outgoing records: %w", err)
	}

	// Tombstone попадает в загрузку, пока сервер не знает об удалении:
	// зеркальная строка либо отсутствует, либо перекрыта локальным удалением
	const tombstoneQuery = `
		SELECT t.guid
		FROM cards_tombstones t
		LEFT JOIN cards_mirror m ON m.guid = t.guid AND m.is_overridden = 0
		WHERE m.guid IS NULL
		ORDER BY t.guid
	`
	tombRows, err := tx.QueryContext(ctx, tombstoneQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query outgoing tombstones: %w", err)
	}
	defer tombRows.Close()

	for tombRows.Next() {
		var guid string
		if err := tombRows.Scan(&guid); err != nil {
			return nil, fmt.Errorf("failed to scan outgoing tombstone: %w", err)
		}
		outgoing = append(outgoing, sync.OutgoingRecord[models.Card]{Guid: guid, IsTombstone: true})
	}
	if err := tombRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outgoing tombstones: %w", err)
	}

	return outgoing, nil
}

// EncodeRecord сериализует карту в cleartext payload для загрузки
func (s *CardsStore) EncodeRecord(record *models.Card) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

// FinishUpload фиксирует принятые сервером записи: local копируется
// в mirror в виде реально загруженного payload, счетчик обнуляется,
// локальный tombstone удаляется
func (s *CardsStore) FinishUpload(ctx context.Context, tx *sql.Tx, uploaded map[string]string, serverModified int64) error {
	const mirrorQuery = `
		INSERT OR REPLACE INTO cards_mirror (guid, payload, server_modified_ms, is_overridden)
		VALUES (?, ?, ?, 0)
	`
	for guid, payload := range uploaded {
		if _, err := tx.ExecContext(ctx, mirrorQuery, guid, payload, serverModified); err != nil {
			return fmt.Errorf("failed to update mirror after upload: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE cards_data SET sync_change_counter = 0 WHERE guid = ?`, guid); err != nil {
			return fmt.Errorf("failed to reset change counter: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cards_tombstones WHERE guid = ?`, guid); err != nil {
			return fmt.Errorf("failed to clear uploaded tombstone: %w", err)
		}
	}
	return nil
}

// Reset забывает серверное состояние коллекции: mirror и staging
// очищаются, все локальные записи помечаются к повторной загрузке
func (s *CardsStore) Reset(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`DELETE FROM cards_mirror`,
		`DELETE FROM cards_sync_staging`,
		`UPDATE cards_data SET sync_change_counter = MAX(sync_change_counter, 1)`,
	}
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to reset collection: %w", err)
		}
	}
	return nil
}

// encryptNumber шифрует номер карты at-rest ключом.
// Пустой номер остается пустым (scrubbed запись).
func (s *CardsStore) encryptNumber(number string) (string, error) {
	if number == "" {
		return "", nil
	}
	numberEnc, err := s.atRest.EncryptToString([]byte(number))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt card number: %w", err)
	}
	return numberEnc, nil
}
