// Package cards реализует локальные операции коллекции банковских карт.
// Синхронизация коллекции с сервером живет в internal/client/sync;
// здесь только CRUD поверх локальных таблиц с поддержанием
// sync_change_counter и tombstone'ов.
package cards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/synckit/internal/crypto"
	"github.com/iudanet/synckit/internal/models"
	"github.com/iudanet/synckit/internal/validation"
)

// dedupeFields - поля, участвующие в поиске дубликатов по содержимому.
// Расширение этого списка требует пересканирования существующих строк
// и пока не поддержано.
var dedupeFields = []string{"card_number", "last4", "exp_month", "exp_year", "name_on_card"}

// Service - локальные операции коллекции карт
type Service struct {
	db     *sql.DB
	atRest *crypto.Encryptor
	logger *slog.Logger
	now    func() time.Time
}

// NewService создает сервис карт
// atRest шифрует номер карты на диске
func NewService(db *sql.DB, atRest *crypto.Encryptor, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		atRest: atRest,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock подменяет источник времени (для тестов)
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Add создает карту. Номер шифруется at-rest ключом, last4
// вычисляется из номера, запись помечается к загрузке.
func (s *Service) Add(ctx context.Context, fields models.CardFields) (*models.Card, error) {
	if err := validateFields(fields); err != nil {
		return nil, err
	}

	card := &models.Card{
		Guid:       uuid.NewString(),
		NameOnCard: fields.NameOnCard,
		Number:     fields.Number,
		Last4:      last4(fields.Number),
		CardType:   fields.CardType,
		ExpMonth:   fields.ExpMonth,
		ExpYear:    fields.ExpYear,
	}

	numberEnc, err := s.atRest.EncryptToString([]byte(card.Number))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt card number: %w", err)
	}

	const query = `
		INSERT INTO cards_data (guid, name_on_card, card_number_enc, last4, card_type,
		                        exp_month, exp_year, times_used, time_last_used, sync_change_counter)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 1)
	`
	if _, err := s.db.ExecContext(ctx, query,
		card.Guid, card.NameOnCard, numberEnc, card.Last4, card.CardType,
		card.ExpMonth, card.ExpYear); err != nil {
		return nil, fmt.Errorf("failed to insert card: %w", err)
	}

	s.logger.Debug("Card added", "guid", card.Guid)
	return card, nil
}

// Update перезаписывает поля карты и помечает её к загрузке
func (s *Service) Update(ctx context.Context, guid string, fields models.CardFields) error {
	if err := validation.ValidateGuid(guid); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	if err := validateFields(fields); err != nil {
		return err
	}

	numberEnc, err := s.atRest.EncryptToString([]byte(fields.Number))
	if err != nil {
		return fmt.Errorf("failed to encrypt card number: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const query = `
		UPDATE cards_data
		SET name_on_card = ?, card_number_enc = ?, last4 = ?, card_type = ?,
		    exp_month = ?, exp_year = ?,
		    sync_change_counter = sync_change_counter + 1
		WHERE guid = ?
	`
	result, err := tx.ExecContext(ctx, query,
		fields.NameOnCard, numberEnc, last4(fields.Number), fields.CardType,
		fields.ExpMonth, fields.ExpYear, guid)
	if err != nil {
		return fmt.Errorf("failed to update card: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := overrideMirror(ctx, tx, guid); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

// Get возвращает карту с расшифрованным номером
func (s *Service) Get(ctx context.Context, guid string) (*models.Card, error) {
	const query = `
		SELECT guid, name_on_card, card_number_enc, last4, card_type,
		       exp_month, exp_year, times_used, time_last_used
		FROM cards_data
		WHERE guid = ?
	`
	card, err := s.scanCard(s.db.QueryRowContext(ctx, query, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return card, nil
}

// List возвращает все карты с расшифрованными номерами
func (s *Service) List(ctx context.Context) ([]models.Card, error) {
	const query = `
		SELECT guid, name_on_card, card_number_enc, last4, card_type,
		       exp_month, exp_year, times_used, time_last_used
		FROM cards_data
		ORDER BY name_on_card, guid
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	defer rows.Close()

	var cards []models.Card
	for rows.Next() {
		card, err := s.scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cards: %w", err)
	}
	return cards, nil
}

// DeleteByID превращает локальную запись в tombstone и помечает
// зеркальную строку перекрытой, чтобы удаление ушло на сервер
func (s *Service) DeleteByID(ctx context.Context, guid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `DELETE FROM cards_data WHERE guid = ?`, guid)
	if err != nil {
		return fmt.Errorf("failed to delete card: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cards_tombstones (guid) VALUES (?)`, guid); err != nil {
		return fmt.Errorf("failed to insert tombstone: %w", err)
	}
	if err := overrideMirror(ctx, tx, guid); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	s.logger.Debug("Card deleted", "guid", guid)
	return nil
}

// Touch отмечает использование карты: счетчик использований
// увеличивается, время последнего использования обновляется,
// запись помечается к загрузке
func (s *Service) Touch(ctx context.Context, guid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const query = `
		UPDATE cards_data
		SET times_used = times_used + 1,
		    time_last_used = ?,
		    sync_change_counter = sync_change_counter + 1
		WHERE guid = ?
	`
	result, err := tx.ExecContext(ctx, query, s.now().UnixMilli(), guid)
	if err != nil {
		return fmt.Errorf("failed to touch card: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check touch result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := overrideMirror(ctx, tx, guid); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit touch: %w", err)
	}
	return nil
}

// TimesUsed возвращает счетчик использований карты.
// nil означает, что карты не существует; существующая, но ни разу
// не использованная карта дает ноль.
func (s *Service) TimesUsed(ctx context.Context, guid string) (*int64, error) {
	var timesUsed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT times_used FROM cards_data WHERE guid = ?`, guid).Scan(&timesUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query times used: %w", err)
	}
	return &timesUsed, nil
}

// ScrubEncryptedData стирает зашифрованные номера всех карт.
// Вызывается при потере at-rest ключа: нечувствительная проекция
// остается, номера восстановятся при следующей синхронизации.
func (s *Service) ScrubEncryptedData(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE cards_data SET card_number_enc = ''`); err != nil {
		return fmt.Errorf("failed to scrub encrypted data: %w", err)
	}
	s.logger.Warn("Scrubbed encrypted card numbers")
	return nil
}

// UpgradeDedupeFields проверяет совместимость набора dedupe полей.
// Добавление новых полей требует пересканирования существующих строк
// и пока не поддержано.
func (s *Service) UpgradeDedupeFields(fields []string) error {
	known := make(map[string]bool, len(dedupeFields))
	for _, field := range dedupeFields {
		known[field] = true
	}
	for _, field := range fields {
		if !known[field] {
			return fmt.Errorf("%w: upgrades that add additional items to dedupe_on", ErrNotYetImplemented)
		}
	}
	return nil
}

// overrideMirror помечает зеркальную строку перекрытой. Любое локальное
// изменение записи с зеркалом обязано выставлять флаг, иначе при
// следующей синхронизации она будет выглядеть нетронутой.
func overrideMirror(ctx context.Context, tx *sql.Tx, guid string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE cards_mirror SET is_overridden = 1 WHERE guid = ?`, guid); err != nil {
		return fmt.Errorf("failed to override mirror: %w", err)
	}
	return nil
}

// scanner покрывает sql.Row и sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func (s *Service) scanCard(row scanner) (*models.Card, error) {
	var (
		card      models.Card
		numberEnc string
	)
	if err := row.Scan(&card.Guid, &card.NameOnCard, &numberEnc, &card.Last4, &card.CardType,
		&card.ExpMonth, &card.ExpYear, &card.TimesUsed, &card.TimeLastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan card: %w", err)
	}

	if numberEnc != "" {
		number, err := s.atRest.DecryptFromString(numberEnc)
		if err != nil {
			// Номер потерян (сменился ключ) - карта остается scrubbed
			s.logger.Warn("Failed to decrypt card number", "guid", card.Guid)
		} else {
			card.Number = string(number)
		}
	}
	return &card, nil
}

func validateFields(fields models.CardFields) error {
	if fields.Number == "" {
		return fmt.Errorf("%w: card number is required", ErrInvalidCard)
	}
	if len(fields.Number) < 4 {
		return fmt.Errorf("%w: card number is too short", ErrInvalidCard)
	}
	if fields.ExpMonth < 1 || fields.ExpMonth > 12 {
		return fmt.Errorf("%w: expiration month must be in 1..12", ErrInvalidCard)
	}
	return nil
}

func last4(number string) string {
	return number[len(number)-4:]
}
