package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	clientapi "github.com/iudanet/synckit/internal/client/api"
	"github.com/iudanet/synckit/internal/crypto"
	"github.com/iudanet/synckit/internal/interrupt"
	"github.com/iudanet/synckit/pkg/api"
)

// storageVersion - версия серверной схемы, поддерживаемая клиентом
const storageVersion = 5

// Зарезервированные коллекции серверных метадокументов
const (
	metaCollection   = "meta"
	cryptoCollection = "crypto"
)

// SetupState - состояние машины подготовки к синхронизации
type SetupState int

const (
	StateInitialWithLiveToken SetupState = iota
	StateInitialWithLiveTokenAndInfo
	StateNeedsFreshMetaGlobal
	StateResolveMetaGlobal
	StateHasMetaGlobal
	StateNeedsFreshCryptoKeys
	StateFreshStartRequired
	StateReady
)

func (s SetupState) String() string {
	switch s {
	case StateInitialWithLiveToken:
		return "initial_with_live_token"
	case StateInitialWithLiveTokenAndInfo:
		return "initial_with_live_token_and_info"
	case StateNeedsFreshMetaGlobal:
		return "needs_fresh_meta_global"
	case StateResolveMetaGlobal:
		return "resolve_meta_global"
	case StateHasMetaGlobal:
		return "has_meta_global"
	case StateNeedsFreshCryptoKeys:
		return "needs_fresh_crypto_keys"
	case StateFreshStartRequired:
		return "fresh_start_required"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// CommandKind - вид команды движку, выданной при подготовке
type CommandKind int

const (
	// CommandResetAll сбросить все движки, кроме перечисленных
	CommandResetAll CommandKind = iota
	// CommandReset сбросить один движок
	CommandReset
	// CommandDisable движок пропал с сервера
	CommandDisable
	// CommandEnable движок появился на сервере
	CommandEnable
)

// EngineCommand - команда движку: сброс, включение или отключение
type EngineCommand struct {
	Engine string
	Except []string
	Kind   CommandKind
}

// SetupResult - итог подготовки: свежие серверные документы,
// расшифрованные ключи и команды движкам
type SetupResult struct {
	Global      *api.MetaGlobal
	Keys        *CollectionKeys
	Limits      api.InfoConfiguration
	Collections api.InfoCollections
	Commands    []EngineCommand
	States      []SetupState
}

// SetupDriver прогоняет машину состояний подготовки перед каждой
// синхронизацией. Сервер может находиться в любом состоянии: пустой,
// устаревший, записанный более новым клиентом, перезаписанный чужим
// fresh start. Машина приводит клиента и сервер к согласию.
type SetupDriver struct {
	client         clientapi.ClientAPI
	scratch        *Scratchpad
	root           *crypto.KeyBundle
	previousGlobal *api.MetaGlobal
	logger         *slog.Logger
	engines        map[string]int
}

// NewSetupDriver создает драйвер подготовки.
// root расшифровывает документ crypto/keys; engines - локально
// поддерживаемые движки и версии их схем.
func NewSetupDriver(client clientapi.ClientAPI, scratch *Scratchpad, root *crypto.KeyBundle, engines map[string]int, logger *slog.Logger) *SetupDriver {
	return &SetupDriver{
		client:  client,
		scratch: scratch,
		root:    root,
		logger:  logger,
		engines: engines,
	}
}

// Run прогоняет машину до Ready. Второй заход в fresh start за один
// прогон означает цикл и завершается ErrSetupStateCycle.
func (d *SetupDriver) Run(ctx context.Context, handle *interrupt.Interruptee) (*SetupResult, error) {
	result := &SetupResult{}
	state := StateInitialWithLiveToken
	freshStarts := 0

	for {
		result.States = append(result.States, state)
		d.logger.Debug("Setup state", "state", state.String())

		if err := handle.Err(); err != nil {
			return nil, err
		}

		var err error
		switch state {
		case StateInitialWithLiveToken:
			state, err = d.fetchInfo(ctx, result)
		case StateInitialWithLiveTokenAndInfo:
			state = d.compareMetaGlobal(result)
		case StateNeedsFreshMetaGlobal:
			state, err = d.fetchMetaGlobal(ctx)
		case StateResolveMetaGlobal:
			state, err = d.resolveMetaGlobal(result)
		case StateHasMetaGlobal:
			state = d.compareCryptoKeys(result)
		case StateNeedsFreshCryptoKeys:
			state, err = d.fetchCryptoKeys(ctx, result)
		case StateFreshStartRequired:
			freshStarts++
			if freshStarts > 1 {
				return nil, ErrSetupStateCycle
			}
			state, err = d.freshStart(ctx)
		case StateReady:
			result.Global = d.scratch.Global
			result.Keys = d.scratch.Keys
			return result, nil
		default:
			return nil, fmt.Errorf("unexpected setup state %d", state)
		}
		if err != nil {
			return nil, err
		}
	}
}

// fetchInfo забирает info/configuration и info/collections
func (d *SetupDriver) fetchInfo(ctx context.Context, result *SetupResult) (SetupState, error) {
	limits, err := d.client.GetInfoConfiguration(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch info/configuration: %w", err)
	}
	collections, err := d.client.GetInfoCollections(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch info/collections: %w", err)
	}

	d.scratch.Limits = limits
	d.scratch.Collections = collections
	result.Limits = *limits
	result.Collections = collections
	return StateInitialWithLiveTokenAndInfo, nil
}

// compareMetaGlobal решает, нужен ли свежий meta/global.
// Кешированный документ без meta на сервере означает, что сервер
// перезаписан: кеши сбрасываются, и документ запрашивается заново,
// давая другому клиенту шанс выиграть гонку.
func (d *SetupDriver) compareMetaGlobal(result *SetupResult) SetupState {
	serverTS, onServer := result.Collections[metaCollection]

	if d.scratch.Global == nil {
		return StateNeedsFreshMetaGlobal
	}
	if !onServer {
		d.scratch.InvalidateCaches()
		return StateNeedsFreshMetaGlobal
	}
	if d.scratch.GlobalTimestamp < serverTS {
		return StateNeedsFreshMetaGlobal
	}
	return StateHasMetaGlobal
}

// fetchMetaGlobal забирает meta/global; его отсутствие на сервере
// требует fresh start
func (d *SetupDriver) fetchMetaGlobal(ctx context.Context) (SetupState, error) {
	global, timestamp, err := d.client.GetMetaGlobal(ctx)
	if errors.Is(err, clientapi.ErrNotFound) {
		return StateFreshStartRequired, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch meta/global: %w", err)
	}

	// Предыдущий кеш нужен resolve для сравнения sync id
	d.previousGlobal = d.scratch.Global
	d.scratch.Global = global
	d.scratch.GlobalTimestamp = timestamp
	return StateResolveMetaGlobal, nil
}

// resolveMetaGlobal сверяет версии схем и поколения данных
func (d *SetupDriver) resolveMetaGlobal(result *SetupResult) (SetupState, error) {
	global := d.scratch.Global

	if global.StorageVersion > storageVersion {
		return 0, fmt.Errorf("%w: server %d, client %d",
			ErrClientUpgradeRequired, global.StorageVersion, storageVersion)
	}
	if global.StorageVersion < storageVersion {
		d.logger.Warn("Server storage version is outdated, fresh start",
			"server", global.StorageVersion, "client", storageVersion)
		return StateFreshStartRequired, nil
	}

	previous := d.previousGlobal
	if previous != nil && previous.SyncID != global.SyncID {
		// Сменилось поколение всех данных
		result.Commands = append(result.Commands, EngineCommand{Kind: CommandResetAll})
	}

	for name := range d.engines {
		engine, onServer := global.Engines[name]
		if !onServer {
			result.Commands = append(result.Commands, EngineCommand{Kind: CommandDisable, Engine: name})
			continue
		}
		if previous == nil {
			continue
		}
		prevEngine, wasKnown := previous.Engines[name]
		if !wasKnown {
			result.Commands = append(result.Commands, EngineCommand{Kind: CommandEnable, Engine: name})
			continue
		}
		if prevEngine.SyncID != engine.SyncID {
			result.Commands = append(result.Commands, EngineCommand{Kind: CommandReset, Engine: name})
		}
	}

	return StateHasMetaGlobal, nil
}

// compareCryptoKeys решает, нужен ли свежий crypto/keys
func (d *SetupDriver) compareCryptoKeys(result *SetupResult) SetupState {
	serverTS, onServer := result.Collections[cryptoCollection]

	if d.scratch.Keys == nil {
		return StateNeedsFreshCryptoKeys
	}
	if !onServer || d.scratch.Keys.Timestamp < serverTS {
		return StateNeedsFreshCryptoKeys
	}
	return StateReady
}

// fetchCryptoKeys забирает и расшифровывает crypto/keys, выдавая
// сбросы движков по диффу пар ключей: смена дефолтной пары сбрасывает
// все движки, кроме тех, чья коллекционная пара не менялась; иначе
// сбрасываются только движки со сменившейся коллекционной парой.
func (d *SetupDriver) fetchCryptoKeys(ctx context.Context, result *SetupResult) (SetupState, error) {
	envelope, timestamp, err := d.client.GetCryptoKeys(ctx)
	if errors.Is(err, clientapi.ErrNotFound) {
		return StateFreshStartRequired, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch crypto/keys: %w", err)
	}

	cleartext, err := crypto.DecryptPayload(d.root, envelope.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to decrypt crypto/keys: %w", err)
	}
	var record api.CryptoKeys
	if err := json.Unmarshal(cleartext, &record); err != nil {
		return 0, fmt.Errorf("failed to parse crypto/keys: %w", err)
	}
	keys, err := keysFromRecord(&record, timestamp)
	if err != nil {
		return 0, err
	}

	result.Commands = append(result.Commands, d.keyDiffCommands(d.scratch.Keys, keys)...)

	d.scratch.Keys = keys
	return StateReady, nil
}

// keyDiffCommands выдает сбросы движков по диффу старых и новых ключей
func (d *SetupDriver) keyDiffCommands(old, fresh *CollectionKeys) []EngineCommand {
	if old == nil {
		return nil
	}

	if !old.Default.Equal(fresh.Default) {
		var except []string
		for name := range d.engines {
			oldBundle, hadOwn := old.Collections[name]
			newBundle, hasOwn := fresh.Collections[name]
			if hadOwn && hasOwn && oldBundle.Equal(newBundle) {
				except = append(except, name)
			}
		}
		return []EngineCommand{{Kind: CommandResetAll, Except: except}}
	}

	var commands []EngineCommand
	for name := range d.engines {
		oldBundle, hadOwn := old.Collections[name]
		newBundle, hasOwn := fresh.Collections[name]
		if hadOwn != hasOwn || (hadOwn && !oldBundle.Equal(newBundle)) {
			commands = append(commands, EngineCommand{Kind: CommandReset, Engine: name})
		}
	}
	return commands
}

// freshStart стирает сервер и загружает новые meta/global и
// crypto/keys. Declined движки переживают fresh start.
func (d *SetupDriver) freshStart(ctx context.Context) (SetupState, error) {
	d.logger.Info("Performing fresh start")

	var declined []string
	if d.scratch.Global != nil {
		declined = d.scratch.Global.Declined
	}

	if err := d.client.WipeServer(ctx); err != nil {
		return 0, fmt.Errorf("failed to wipe server: %w", err)
	}

	engines := make(map[string]api.MetaGlobalEngine, len(d.engines))
	for name, version := range d.engines {
		engines[name] = api.MetaGlobalEngine{SyncID: uuid.NewString(), Version: version}
	}
	global := &api.MetaGlobal{
		Engines:        engines,
		SyncID:         uuid.NewString(),
		Declined:       declined,
		StorageVersion: storageVersion,
	}
	if _, err := d.client.PutMetaGlobal(ctx, global); err != nil {
		return 0, fmt.Errorf("failed to upload fresh meta/global: %w", err)
	}

	defaultBundle, err := crypto.NewRandomKeyBundle()
	if err != nil {
		return 0, fmt.Errorf("failed to generate fresh keys: %w", err)
	}
	keys := &CollectionKeys{Default: defaultBundle}
	cleartext, err := json.Marshal(keys.toRecord())
	if err != nil {
		return 0, fmt.Errorf("failed to encode fresh crypto/keys: %w", err)
	}
	payload, err := crypto.EncryptPayload(d.root, cleartext)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt fresh crypto/keys: %w", err)
	}
	if _, err := d.client.PutCryptoKeys(ctx, &api.Envelope{ID: "keys", Payload: payload}); err != nil {
		return 0, fmt.Errorf("failed to upload fresh crypto/keys: %w", err)
	}

	d.scratch.InvalidateCaches()
	d.previousGlobal = nil
	return StateInitialWithLiveToken, nil
}
