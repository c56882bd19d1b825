package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	clientapi "github.com/iudanet/synckit/internal/client/api"
	"github.com/iudanet/synckit/internal/client/storage"
	"github.com/iudanet/synckit/internal/crypto"
	"github.com/iudanet/synckit/internal/interrupt"
)

// EngineFactory строит движок коллекции под пару ключей,
// полученную на фазе подготовки
type EngineFactory[T any] func(bundle *crypto.KeyBundle) *Engine[T]

// SyncResult - итог одного прогона синхронизации
type SyncResult struct {
	States        []SetupState
	Applied       int
	Malformed     int
	Uploaded      int
	FailedUploads int
}

// Service прогоняет полный цикл синхронизации одной коллекции:
// подготовка, скачивание и применение входящих, загрузка исходящих,
// фиксация scratchpad.
type Service[T any] struct {
	client     clientapi.ClientAPI
	kv         storage.KeyValueStorage
	factory    EngineFactory[T]
	root       *crypto.KeyBundle
	scope      *interrupt.Scope
	logger     *slog.Logger
	collection string
	engines    map[string]int
}

// NewService создает сервис синхронизации коллекции
func NewService[T any](
	client clientapi.ClientAPI,
	kv storage.KeyValueStorage,
	factory EngineFactory[T],
	root *crypto.KeyBundle,
	collection string,
	engineVersion int,
	logger *slog.Logger,
) *Service[T] {
	return &Service[T]{
		client:     client,
		kv:         kv,
		factory:    factory,
		root:       root,
		scope:      &interrupt.Scope{},
		logger:     logger,
		collection: collection,
		engines:    map[string]int{collection: engineVersion},
	}
}

// Interrupt просит прервать текущую синхронизацию.
// Прерывание кооперативное: прогон завершится на ближайшей
// точке опроса с откатом открытой транзакции.
func (s *Service[T]) Interrupt() {
	s.scope.Interrupt()
}

// Sync выполняет один полный прогон синхронизации
func (s *Service[T]) Sync(ctx context.Context) (*SyncResult, error) {
	handle := s.scope.Begin()

	scratch, err := LoadScratchpad(ctx, s.kv)
	if err != nil {
		return nil, err
	}

	driver := NewSetupDriver(s.client, scratch, s.root, s.engines, s.logger)
	setup, err := driver.Run(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("sync setup failed: %w", err)
	}

	result := &SyncResult{States: setup.States}

	bundle := setup.Keys.KeyFor(s.collection)
	engine := s.factory(bundle)

	if err := s.applyCommands(ctx, engine, scratch, setup.Commands); err != nil {
		return nil, err
	}

	if err := handle.Err(); err != nil {
		return nil, err
	}

	// Входящие: всё, что изменилось на сервере после прошлого прогона
	incoming, serverTS, err := s.client.GetCollection(ctx, s.collection, scratch.LastSyncMs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch collection %s: %w", s.collection, err)
	}

	if len(incoming) > 0 {
		summary, err := engine.ApplyIncoming(ctx, incoming, handle)
		if err != nil {
			return nil, fmt.Errorf("failed to apply incoming batch: %w", err)
		}
		result.Applied = summary.Applied
		result.Malformed = summary.Malformed
	}

	if err := handle.Err(); err != nil {
		return nil, err
	}

	// Исходящие
	envelopes, err := engine.FetchOutgoing(ctx, handle)
	if err != nil {
		return nil, err
	}

	lastModified := serverTS
	for _, batch := range engine.BatchOutgoing(envelopes, setup.Limits) {
		if err := handle.Err(); err != nil {
			return nil, err
		}

		upload, err := s.client.PostCollection(ctx, s.collection, lastModified, batch)
		if errors.Is(err, clientapi.ErrConcurrentModification) {
			// Другой клиент записал коллекцию во время загрузки.
			// Бросаем загрузку; следующий прогон начнет с incoming.
			return nil, fmt.Errorf("%w: %s", ErrConcurrentUpload, s.collection)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to upload batch: %w", err)
		}

		accepted := make(map[string]string, len(upload.Success))
		byGuid := make(map[string]string, len(batch))
		for _, envelope := range batch {
			byGuid[envelope.ID] = envelope.Payload
		}
		for _, guid := range upload.Success {
			accepted[guid] = byGuid[guid]
		}

		if err := engine.CommitUpload(ctx, accepted, upload.Modified); err != nil {
			return nil, err
		}

		result.Uploaded += len(upload.Success)
		result.FailedUploads += len(upload.Failed)
		for guid, reason := range upload.Failed {
			s.logger.Warn("Server rejected outgoing record",
				"collection", s.collection, "guid", guid, "reason", reason)
		}

		if upload.Modified > 0 {
			lastModified = upload.Modified
		}
	}

	scratch.LastSyncMs = lastModified
	if err := SaveScratchpad(ctx, s.kv, scratch); err != nil {
		return nil, err
	}

	s.logger.Info("Sync finished",
		"collection", s.collection,
		"applied", result.Applied,
		"malformed", result.Malformed,
		"uploaded", result.Uploaded,
		"failed", result.FailedUploads)
	return result, nil
}

// applyCommands исполняет команды движкам, выданные подготовкой
func (s *Service[T]) applyCommands(ctx context.Context, engine *Engine[T], scratch *Scratchpad, commands []EngineCommand) error {
	for _, command := range commands {
		switch command.Kind {
		case CommandResetAll:
			excepted := false
			for _, name := range command.Except {
				if name == s.collection {
					excepted = true
					break
				}
			}
			if excepted {
				continue
			}
			if err := s.resetEngine(ctx, engine, scratch); err != nil {
				return err
			}
		case CommandReset:
			if command.Engine != s.collection {
				continue
			}
			if err := s.resetEngine(ctx, engine, scratch); err != nil {
				return err
			}
		case CommandDisable:
			s.logger.Warn("Engine missing from meta/global", "engine", command.Engine)
		case CommandEnable:
			s.logger.Info("Engine enabled on server", "engine", command.Engine)
		}
	}
	return nil
}

func (s *Service[T]) resetEngine(ctx context.Context, engine *Engine[T], scratch *Scratchpad) error {
	s.logger.Info("Resetting collection sync state", "collection", s.collection)
	if err := engine.Reset(ctx); err != nil {
		return err
	}
	scratch.LastSyncMs = 0
	return nil
}
