package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/synckit/internal/client/storage"
	"github.com/iudanet/synckit/internal/crypto"
	"github.com/iudanet/synckit/pkg/api"
)

// metaScratchpadKey - ключ Meta store, под которым лежит scratchpad
const metaScratchpadKey = "scratchpad"

// CollectionKeys - расшифрованные пары ключей коллекций:
// дефолтная пара и переопределения по коллекциям
type CollectionKeys struct {
	Collections map[string]*crypto.KeyBundle `json:"collections,omitempty"`
	Default     *crypto.KeyBundle            `json:"default"`
	Timestamp   int64                        `json:"timestamp"`
}

// KeyFor возвращает пару ключей коллекции: переопределение,
// если оно есть, иначе дефолтную пару
func (k *CollectionKeys) KeyFor(collection string) *crypto.KeyBundle {
	if bundle, ok := k.Collections[collection]; ok {
		return bundle
	}
	return k.Default
}

// keysFromRecord разбирает расшифрованный документ crypto/keys
func keysFromRecord(record *api.CryptoKeys, timestamp int64) (*CollectionKeys, error) {
	if len(record.Default) != 2 {
		return nil, fmt.Errorf("crypto/keys default must hold two keys, got %d", len(record.Default))
	}
	defaultBundle, err := crypto.KeyBundleFromBase64(record.Default[0], record.Default[1])
	if err != nil {
		return nil, fmt.Errorf("failed to parse default key bundle: %w", err)
	}

	keys := &CollectionKeys{Default: defaultBundle, Timestamp: timestamp}
	if len(record.Collections) > 0 {
		keys.Collections = make(map[string]*crypto.KeyBundle, len(record.Collections))
		for collection, pair := range record.Collections {
			if len(pair) != 2 {
				return nil, fmt.Errorf("crypto/keys entry %s must hold two keys, got %d", collection, len(pair))
			}
			bundle, err := crypto.KeyBundleFromBase64(pair[0], pair[1])
			if err != nil {
				return nil, fmt.Errorf("failed to parse key bundle for %s: %w", collection, err)
			}
			keys.Collections[collection] = bundle
		}
	}
	return keys, nil
}

// toRecord собирает документ crypto/keys для загрузки на сервер
func (k *CollectionKeys) toRecord() *api.CryptoKeys {
	encKey, hmacKey := k.Default.ToBase64()
	record := &api.CryptoKeys{
		Collection: "crypto",
		Default:    []string{encKey, hmacKey},
	}
	if len(k.Collections) > 0 {
		record.Collections = make(map[string][]string, len(k.Collections))
		for collection, bundle := range k.Collections {
			enc, mac := bundle.ToBase64()
			record.Collections[collection] = []string{enc, mac}
		}
	}
	return record
}

// Scratchpad - кеш серверного состояния между синхронизациями.
// Создаётся при первом открытии базы, сохраняется при каждом
// пишущем коммите, читается только через reader.
type Scratchpad struct {
	Global          *api.MetaGlobal        `json:"global,omitempty"`
	Keys            *CollectionKeys        `json:"keys,omitempty"`
	Limits          *api.InfoConfiguration `json:"limits,omitempty"`
	Collections     api.InfoCollections    `json:"collections,omitempty"`
	DeviceID        string                 `json:"device_id"`
	GlobalTimestamp int64                  `json:"global_timestamp"`
	LastSyncMs      int64                  `json:"last_sync_ms"`
}

// LoadScratchpad читает scratchpad из Meta store.
// Отсутствующий scratchpad дает пустой экземпляр, а не ошибку.
func LoadScratchpad(ctx context.Context, kv storage.KeyValueStorage) (*Scratchpad, error) {
	scratch := &Scratchpad{}
	err := kv.View(ctx, func(r storage.Reader) error {
		return storage.GetJSON(r, storage.StoreMeta, metaScratchpadKey, scratch)
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &Scratchpad{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scratchpad: %w", err)
	}
	return scratch, nil
}

// SaveScratchpad сохраняет scratchpad в Meta store
func SaveScratchpad(ctx context.Context, kv storage.KeyValueStorage, scratch *Scratchpad) error {
	err := kv.Update(ctx, func(w storage.Writer) error {
		return storage.PutJSON(w, storage.StoreMeta, metaScratchpadKey, scratch)
	})
	if err != nil {
		return fmt.Errorf("failed to save scratchpad: %w", err)
	}
	return nil
}

// InvalidateCaches сбрасывает кеши серверных документов.
// Вызывается, когда сервер потерял meta/global или сменилось
// поколение данных.
func (s *Scratchpad) InvalidateCaches() {
	s.Global = nil
	s.GlobalTimestamp = 0
	s.Keys = nil
}
