package sync

import "errors"

var (
	// ErrSetupStateCycle машина состояний зациклилась: fresh start
	// потребовался дважды за один прогон. Фатально, повтор позже.
	ErrSetupStateCycle = errors.New("setup state machine cycled through fresh start twice")

	// ErrClientUpgradeRequired сервер хранит данные более новой схемы,
	// чем поддерживает клиент
	ErrClientUpgradeRequired = errors.New("server storage version is newer than this client supports")

	// ErrConcurrentUpload во время загрузки сервер принял запись
	// другого клиента; синхронизация перезапускается с incoming
	ErrConcurrentUpload = errors.New("server was modified concurrently during upload")
)
