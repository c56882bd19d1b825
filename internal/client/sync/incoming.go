package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/iudanet/synckit/internal/interrupt"
	"github.com/iudanet/synckit/internal/models"
	"github.com/iudanet/synckit/pkg/api"
)

// StagedRecord - сырая входящая запись, вставляемая в staging.
// Payload хранится как есть (зашифрованный конверт), расшифровка
// и классификация происходят на фазе fetch-states.
type StagedRecord struct {
	Guid           string
	Payload        string
	ServerModified int64
}

// OutgoingRecord - локальная запись, подлежащая загрузке на сервер
type OutgoingRecord[T any] struct {
	Record      *T
	Guid        string
	IsTombstone bool
}

// RecordImpl - таблица портов коллекции. Каждая коллекция регистрирует
// свои операции; реконсилер generic поверх этого интерфейса.
type RecordImpl[T any] interface {
	// CollectionName возвращает имя коллекции на сервере
	CollectionName() string

	// StageIncoming вставляет сырые входящие записи в staging
	StageIncoming(ctx context.Context, tx *sql.Tx, records []StagedRecord) error

	// FetchIncomingStates собирает IncomingState по каждому staged guid
	// одним запросом через staging/mirror/local/tombstones
	FetchIncomingStates(ctx context.Context, tx *sql.Tx) ([]models.IncomingState[T], error)

	// GetLocalDupe ищет локальный дубликат по содержимому.
	// Кандидаты выбираются по нечувствительным полям, строки с серверной
	// идентичностью (присутствующие в mirror) исключаются.
	GetLocalDupe(ctx context.Context, tx *sql.Tx, incoming *T) (string, bool, error)

	// InsertLocal добавляет локальную запись с заданным counter
	InsertLocal(ctx context.Context, tx *sql.Tx, record *T, counter int64) error

	// UpdateLocal перезаписывает локальную запись с заданным counter
	UpdateLocal(ctx context.Context, tx *sql.Tx, guid string, record *T, counter int64) error

	// ChangeRecordGuid переименовывает локальную запись в новый guid,
	// ставит counter=1 и переименовывает зеркальную строку со старым
	// guid, если такая есть
	ChangeRecordGuid(ctx context.Context, tx *sql.Tx, oldGuid, newGuid string) error

	// RemoveRecord удаляет локальную запись
	RemoveRecord(ctx context.Context, tx *sql.Tx, guid string) error

	// InsertTombstone добавляет локальный tombstone
	InsertTombstone(ctx context.Context, tx *sql.Tx, guid string) error

	// RemoveTombstone удаляет локальный tombstone
	RemoveTombstone(ctx context.Context, tx *sql.Tx, guid string) error

	// Merge выполняет трёхстороннее слияние по полям согласно политике
	// коллекции: скаляры - remote wins, контейнерные поля - коммутативно
	Merge(local, mirror, incoming *T) *T

	// FinishIncoming продвигает staging в mirror одним запросом и очищает
	// staging. Malformed записи в mirror не попадают и отбрасываются.
	FinishIncoming(ctx context.Context, tx *sql.Tx, malformed []string) error

	// ListOutgoing перечисляет записи с counter > 0 и tombstone'ы
	// без соответствующей зеркальной строки
	ListOutgoing(ctx context.Context, tx *sql.Tx) ([]OutgoingRecord[T], error)

	// EncodeRecord сериализует запись в cleartext payload для загрузки
	EncodeRecord(record *T) ([]byte, error)

	// FinishUpload фиксирует принятые сервером записи: local копируется
	// в mirror (payload - то, что реально ушло на сервер), is_overridden
	// сбрасывается, counter обнуляется, локальный tombstone удаляется
	FinishUpload(ctx context.Context, tx *sql.Tx, uploaded map[string]string, serverModified int64) error

	// Reset забывает серверное состояние: mirror и staging очищаются,
	// все локальные записи помечаются к повторной загрузке
	Reset(ctx context.Context, tx *sql.Tx) error
}

// PayloadCodec шифрует и расшифровывает payload конверта
type PayloadCodec interface {
	// Encode превращает cleartext в payload конверта
	Encode(cleartext []byte) (string, error)
	// Decode превращает payload конверта в cleartext
	Decode(payload string) ([]byte, error)
}

// IncomingSummary - итог обработки входящего батча
type IncomingSummary struct {
	Applied   int // применённых действий (кроме do_nothing)
	Malformed int // записей, не прошедших расшифровку или разбор
}

// Engine обрабатывает одну коллекцию: входящие записи через
// stage -> fetch-states -> plan -> apply, исходящие через builder
type Engine[T any] struct {
	db     *sql.DB
	impl   RecordImpl[T]
	codec  PayloadCodec
	logger *slog.Logger
}

// NewEngine создает движок синхронизации для коллекции
func NewEngine[T any](db *sql.DB, impl RecordImpl[T], codec PayloadCodec, logger *slog.Logger) *Engine[T] {
	return &Engine[T]{db: db, impl: impl, codec: codec, logger: logger}
}

// ApplyIncoming обрабатывает входящий батч внутри одной пишущей
// транзакции. Ошибка применения любого действия откатывает весь батч;
// частичное состояние mirror снаружи не наблюдаемо.
func (e *Engine[T]) ApplyIncoming(ctx context.Context, incoming []api.Envelope, handle *interrupt.Interruptee) (*IncomingSummary, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	summary, err := e.applyIncomingTx(ctx, tx, incoming, handle)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit incoming batch: %w", err)
	}
	return summary, nil
}

func (e *Engine[T]) applyIncomingTx(ctx context.Context, tx *sql.Tx, incoming []api.Envelope, handle *interrupt.Interruptee) (*IncomingSummary, error) {
	// Фаза 1: staging. Malformed записи тоже стейджатся,
	// классификация происходит дальше.
	staged := make([]StagedRecord, 0, len(incoming))
	for _, envelope := range incoming {
		staged = append(staged, StagedRecord{
			Guid:           envelope.ID,
			Payload:        envelope.Payload,
			ServerModified: envelope.Modified,
		})
	}
	if err := e.impl.StageIncoming(ctx, tx, staged); err != nil {
		return nil, fmt.Errorf("failed to stage incoming records: %w", err)
	}

	if err := handle.Err(); err != nil {
		return nil, err
	}

	// Фаза 2: fetch states
	states, err := e.impl.FetchIncomingStates(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch incoming states: %w", err)
	}

	summary := &IncomingSummary{}
	var malformed []string

	// Фазы 3-4: plan + apply на каждый guid. Планирование детерминировано
	// по (L, M, R); сравнение часов на этом уровне не используется.
	for _, state := range states {
		if err := handle.Err(); err != nil {
			return nil, err
		}

		if state.Incoming.Kind == models.IncomingMalformed {
			summary.Malformed++
			malformed = append(malformed, state.Incoming.Guid)
		}

		action, err := e.planIncoming(ctx, tx, state)
		if err != nil {
			return nil, fmt.Errorf("failed to plan guid %s: %w", state.Incoming.Guid, err)
		}

		e.logger.Debug("Planned incoming action",
			"collection", e.impl.CollectionName(),
			"guid", state.Incoming.Guid,
			"action", action.Kind.String())

		if err := e.applyIncomingAction(ctx, tx, state, action); err != nil {
			return nil, fmt.Errorf("failed to apply %s for guid %s: %w", action.Kind, state.Incoming.Guid, err)
		}

		if action.Kind != models.ActionDoNothing {
			summary.Applied++
		}
	}

	if err := handle.Err(); err != nil {
		return nil, err
	}

	// Продвижение staging в mirror и очистка. Malformed записи
	// в mirror не продвигаются.
	if err := e.impl.FinishIncoming(ctx, tx, malformed); err != nil {
		return nil, fmt.Errorf("failed to finish incoming: %w", err)
	}

	return summary, nil
}

// planIncoming - чистая функция планирования по (L, M, R); единственное
// обращение к базе - поиск дубликата для новых записей
func (e *Engine[T]) planIncoming(ctx context.Context, tx *sql.Tx, state models.IncomingState[T]) (models.IncomingAction[T], error) {
	incoming := state.Incoming

	switch incoming.Kind {
	case models.IncomingMalformed:
		// Malformed никогда не трогает локальные данные
		return models.IncomingAction[T]{Kind: models.ActionDoNothing, Guid: incoming.Guid}, nil

	case models.IncomingTombstone:
		return e.planIncomingTombstone(state), nil

	case models.IncomingContent:
		return e.planIncomingContent(ctx, tx, state)

	default:
		return models.IncomingAction[T]{}, fmt.Errorf("unknown incoming kind %d", incoming.Kind)
	}
}

func (e *Engine[T]) planIncomingTombstone(state models.IncomingState[T]) models.IncomingAction[T] {
	guid := state.Incoming.Guid

	switch state.Local.Kind {
	case models.LocalModified:
		// Локальные изменения выигрывают у удаления
		return models.IncomingAction[T]{
			Kind:   models.ActionResurrectLocal,
			Guid:   guid,
			Record: state.Local.Record,
		}
	case models.LocalUnmodified, models.LocalScrubbed:
		return models.IncomingAction[T]{Kind: models.ActionDeleteLocally, Guid: guid}
	case models.LocalTombstone:
		// Сервер уже знает об удалении - локальный tombstone больше не нужен
		return models.IncomingAction[T]{Kind: models.ActionDeleteRemoteTombstone, Guid: guid}
	default: // LocalMissing
		return models.IncomingAction[T]{Kind: models.ActionDoNothing, Guid: guid}
	}
}

func (e *Engine[T]) planIncomingContent(ctx context.Context, tx *sql.Tx, state models.IncomingState[T]) (models.IncomingAction[T], error) {
	guid := state.Incoming.Guid
	record := state.Incoming.Record

	switch state.Local.Kind {
	case models.LocalUnmodified, models.LocalScrubbed:
		return models.IncomingAction[T]{Kind: models.ActionUpdateLocal, Guid: guid, Record: record}, nil

	case models.LocalModified:
		if state.Mirror != nil {
			merged := e.impl.Merge(state.Local.Record, state.Mirror, record)
			return models.IncomingAction[T]{Kind: models.ActionMerge, Guid: guid, Record: merged}, nil
		}
		// Без зеркала слияние невозможно - удалённая запись выигрывает
		return models.IncomingAction[T]{Kind: models.ActionTakeRemote, Guid: guid, Record: record}, nil

	case models.LocalTombstone:
		// Обновление выигрывает у локального удаления
		return models.IncomingAction[T]{Kind: models.ActionTakeRemote, Guid: guid, Record: record}, nil

	default: // LocalMissing
		dupeGuid, found, err := e.impl.GetLocalDupe(ctx, tx, record)
		if err != nil {
			return models.IncomingAction[T]{}, fmt.Errorf("dupe lookup failed: %w", err)
		}
		if found {
			// Входящая запись принимает локальную идентичность
			return models.IncomingAction[T]{
				Kind:    models.ActionUpdateLocalGuid,
				Guid:    guid,
				OldGuid: dupeGuid,
				Record:  record,
			}, nil
		}
		return models.IncomingAction[T]{Kind: models.ActionInsert, Guid: guid, Record: record}, nil
	}
}

// applyIncomingAction мутирует local/mirror/tombstones согласно действию
func (e *Engine[T]) applyIncomingAction(ctx context.Context, tx *sql.Tx, state models.IncomingState[T], action models.IncomingAction[T]) error {
	switch action.Kind {
	case models.ActionDoNothing:
		return nil

	case models.ActionInsert:
		return e.impl.InsertLocal(ctx, tx, action.Record, 0)

	case models.ActionUpdateLocal:
		return e.impl.UpdateLocal(ctx, tx, action.Guid, action.Record, 0)

	case models.ActionUpdateLocalGuid:
		// Запись уже существует под старым guid; меняется только
		// идентичность, содержимое остаётся локальным
		return e.impl.ChangeRecordGuid(ctx, tx, action.OldGuid, action.Guid)

	case models.ActionMerge:
		return e.impl.UpdateLocal(ctx, tx, action.Guid, action.Record, 1)

	case models.ActionTakeRemote:
		if state.Local.Kind == models.LocalTombstone {
			if err := e.impl.RemoveTombstone(ctx, tx, action.Guid); err != nil {
				return err
			}
			return e.impl.InsertLocal(ctx, tx, action.Record, 0)
		}
		if state.Local.Kind == models.LocalMissing {
			return e.impl.InsertLocal(ctx, tx, action.Record, 0)
		}
		return e.impl.UpdateLocal(ctx, tx, action.Guid, action.Record, 0)

	case models.ActionResurrectLocal:
		return e.impl.UpdateLocal(ctx, tx, action.Guid, action.Record, 1)

	case models.ActionDeleteLocally:
		if err := e.impl.RemoveRecord(ctx, tx, action.Guid); err != nil {
			return err
		}
		return e.impl.InsertTombstone(ctx, tx, action.Guid)

	case models.ActionDeleteRemoteTombstone:
		return e.impl.RemoveTombstone(ctx, tx, action.Guid)

	default:
		return fmt.Errorf("unknown action kind %d", action.Kind)
	}
}
