package models

// IncomingKind классифицирует входящую запись после расшифровки payload
type IncomingKind int

const (
	// IncomingContent запись с валидным содержимым
	IncomingContent IncomingKind = iota
	// IncomingTombstone запись помечена как удалённая
	IncomingTombstone
	// IncomingMalformed payload не удалось расшифровать или распарсить
	IncomingMalformed
)

// Incoming представляет классифицированную входящую запись.
// Record заполнен только для IncomingContent.
type Incoming[T any] struct {
	Record   *T
	Guid     string
	Kind     IncomingKind
	Modified int64 // серверное время модификации в миллисекундах
}

// LocalKind классифицирует состояние локальной записи для данного guid
type LocalKind int

const (
	// LocalMissing локальной записи нет
	LocalMissing LocalKind = iota
	// LocalUnmodified локальная запись не менялась с последнего sync (counter == 0)
	LocalUnmodified
	// LocalModified локальная запись изменена (counter > 0)
	LocalModified
	// LocalScrubbed из локальной записи удалены чувствительные поля;
	// для разрешения конфликтов трактуется как немодифицированная
	LocalScrubbed
	// LocalTombstone локально запись удалена
	LocalTombstone
)

// LocalState представляет локальную сторону IncomingState.
// Record заполнен для Unmodified/Modified/Scrubbed.
type LocalState[T any] struct {
	Record *T
	Kind   LocalKind
}

// IncomingState собирает всё известное о guid перед планированием:
// входящую запись, локальное состояние и зеркало (nil если зеркала нет).
type IncomingState[T any] struct {
	Mirror   *T
	Incoming Incoming[T]
	Local    LocalState[T]
}

// ActionKind перечисляет действия реконсилера
type ActionKind int

const (
	// ActionDoNothing входящая запись отбрасывается
	ActionDoNothing ActionKind = iota
	// ActionInsert добавить входящую запись в local, counter=0
	ActionInsert
	// ActionUpdateLocal перезаписать local входящей записью, counter=0
	ActionUpdateLocal
	// ActionUpdateLocalGuid найден дубликат по содержимому:
	// переименовать локальный guid в входящий, counter=1
	ActionUpdateLocalGuid
	// ActionMerge трёхстороннее слияние local/mirror/incoming, counter=1
	ActionMerge
	// ActionTakeRemote удалённая запись выигрывает, counter=0
	ActionTakeRemote
	// ActionResurrectLocal входящий tombstone против изменённой локальной
	// записи: локальная остаётся, counter=1
	ActionResurrectLocal
	// ActionDeleteLocally удалить локальную запись и создать локальный tombstone
	ActionDeleteLocally
	// ActionDeleteRemoteTombstone входящий tombstone совпал с существующим
	// локальным tombstone: локальный больше не нужен
	ActionDeleteRemoteTombstone
)

// IncomingAction представляет запланированное действие для одного guid.
// Record заполнен для Insert/UpdateLocal/UpdateLocalGuid/Merge/TakeRemote/
// ResurrectLocal; OldGuid - только для UpdateLocalGuid.
type IncomingAction[T any] struct {
	Record  *T
	Guid    string
	OldGuid string
	Kind    ActionKind
}

// String возвращает имя действия для логов
func (k ActionKind) String() string {
	switch k {
	case ActionDoNothing:
		return "do_nothing"
	case ActionInsert:
		return "insert"
	case ActionUpdateLocal:
		return "update_local"
	case ActionUpdateLocalGuid:
		return "update_local_guid"
	case ActionMerge:
		return "merge"
	case ActionTakeRemote:
		return "take_remote"
	case ActionResurrectLocal:
		return "resurrect_local"
	case ActionDeleteLocally:
		return "delete_locally"
	case ActionDeleteRemoteTombstone:
		return "delete_remote_tombstone"
	default:
		return "unknown"
	}
}
