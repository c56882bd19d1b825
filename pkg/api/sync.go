package api

import "encoding/json"

// Envelope представляет конверт записи на storage-сервере.
// Payload для коллекций с шифрованием at-rest содержит AEAD-обёрнутую строку,
// для остальных коллекций - JSON напрямую.
type Envelope struct {
	ID        string `json:"id"`                  // ID идентификатор записи (guid)
	Payload   string `json:"payload"`             // Payload сериализованное содержимое записи
	Modified  int64  `json:"modified"`            // Modified серверное время модификации в миллисекундах
	SortIndex int64  `json:"sortindex,omitempty"` // SortIndex опциональный индекс сортировки
	TTL       int64  `json:"ttl,omitempty"`       // TTL опциональное время жизни записи в секундах
}

// Tombstone представляет полезную нагрузку удалённой записи
type Tombstone struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// InfoConfiguration представляет лимиты сервера (GET info/configuration)
type InfoConfiguration struct {
	MaxRequestBytes int64 `json:"max_request_bytes"`        // максимальный размер одного запроса
	MaxRecordBytes  int64 `json:"max_record_payload_bytes"` // максимальный размер payload одной записи
	MaxPostRecords  int64 `json:"max_post_records"`         // максимальное количество записей в одном POST
	MaxPostBytes    int64 `json:"max_post_bytes"`           // максимальный суммарный размер POST
	MaxTotalRecords int64 `json:"max_total_records"`        // максимальное количество записей в батче
}

// DefaultInfoConfiguration возвращает консервативные лимиты,
// используемые когда сервер не сообщил своих
func DefaultInfoConfiguration() InfoConfiguration {
	return InfoConfiguration{
		MaxRequestBytes: 260 * 1024,
		MaxRecordBytes:  256 * 1024,
		MaxPostRecords:  100,
		MaxPostBytes:    1024 * 1024,
		MaxTotalRecords: 10000,
	}
}

// InfoCollections представляет время последней модификации по коллекциям
// (GET info/collections). Ключ - имя коллекции, значение - миллисекунды.
type InfoCollections map[string]int64

// MetaGlobalEngine представляет запись движка в meta/global
type MetaGlobalEngine struct {
	SyncID  string `json:"syncID"`  // идентификатор поколения данных движка
	Version int    `json:"version"` // версия схемы движка
}

// MetaGlobal представляет общий метадокумент сервера (meta/global)
type MetaGlobal struct {
	Engines        map[string]MetaGlobalEngine `json:"engines"`
	SyncID         string                      `json:"syncID"`
	Declined       []string                    `json:"declined"`
	StorageVersion int                         `json:"storageVersion"`
}

// CryptoKeys представляет расшифрованное содержимое crypto/keys:
// дефолтная пара ключей и опциональные пары по коллекциям.
// Каждая пара - base64 (ключ шифрования, HMAC ключ).
type CryptoKeys struct {
	Collections map[string][]string `json:"collections"`
	Collection  string              `json:"collection"`
	Default     []string            `json:"default"`
}

// UploadResult представляет ответ сервера на POST коллекции
type UploadResult struct {
	Failed   map[string]string `json:"failed,omitempty"` // отклонённые guid с причинами
	Success  []string          `json:"success"`          // принятые guid
	Modified int64             `json:"modified"`         // серверный timestamp батча в миллисекундах
}

// ErrorBody представляет JSON тело ошибки сервера
type ErrorBody struct {
	Error   string          `json:"error"`
	Message string          `json:"message,omitempty"`
	Info    json.RawMessage `json:"info,omitempty"`
	Code    int             `json:"code"`
	Errno   int             `json:"errno"`
}

// Известные errno сервера
const (
	// ErrnoUAIDNotFound сервер не узнал идентификатор клиента
	ErrnoUAIDNotFound = 103
)
