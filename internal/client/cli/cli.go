package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/iudanet/synckit/internal/client/account"
	clientapi "github.com/iudanet/synckit/internal/client/api"
	"github.com/iudanet/synckit/internal/client/cards"
	"github.com/iudanet/synckit/internal/client/experiments"
	"github.com/iudanet/synckit/internal/client/iocli"
	"github.com/iudanet/synckit/internal/client/storage"
	clientsqlite "github.com/iudanet/synckit/internal/client/storage/sqlite"
	syncengine "github.com/iudanet/synckit/internal/client/sync"
	"github.com/iudanet/synckit/internal/crypto"
	"github.com/iudanet/synckit/internal/models"
)

// masterPasswordEnv - переменная окружения с master password
const masterPasswordEnv = "SYNCKIT_MASTER_PASSWORD"

// Passwords - неинтерактивные источники master password
type Passwords struct {
	FromFile string
	FromArgs string
}

// Cli связывает команды с сервисами клиента. Сессия разблокируется
// лениво: команды, которым не нужны ключи, пароль не запрашивают.
type Cli struct {
	io        iocli.IO
	remote    *clientapi.Client
	kv        storage.KeyValueStorage
	cardsDB   *clientsqlite.Storage
	accounts  *account.Service
	nimbus    *experiments.NimbusClient
	logger    *slog.Logger
	passwords Passwords
	session   *account.Session
}

func New(
	io iocli.IO,
	remote *clientapi.Client,
	kv storage.KeyValueStorage,
	cardsDB *clientsqlite.Storage,
	accounts *account.Service,
	nimbus *experiments.NimbusClient,
	passwords Passwords,
	logger *slog.Logger,
) *Cli {
	return &Cli{
		io:        io,
		remote:    remote,
		kv:        kv,
		cardsDB:   cardsDB,
		accounts:  accounts,
		nimbus:    nimbus,
		passwords: passwords,
		logger:    logger,
	}
}

// getMasterPassword возвращает master password по приоритету:
// переменная окружения, файл, аргумент командной строки,
// интерактивный запрос.
func (c *Cli) getMasterPassword() (string, error) {
	if envPassword := os.Getenv(masterPasswordEnv); envPassword != "" {
		return envPassword, nil
	}

	if c.passwords.FromFile != "" {
		content, err := os.ReadFile(c.passwords.FromFile)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		password := strings.TrimSpace(string(content))
		if password == "" {
			return "", fmt.Errorf("password file is empty")
		}
		return password, nil
	}

	if c.passwords.FromArgs != "" {
		return c.passwords.FromArgs, nil
	}

	password, err := c.io.ReadPassword("Master password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}

// unlock восстанавливает сессию из локального хранилища.
// Результат кешируется на время процесса.
func (c *Cli) unlock(ctx context.Context) (*account.Session, error) {
	if c.session != nil {
		return c.session, nil
	}

	password, err := c.getMasterPassword()
	if err != nil {
		return nil, err
	}

	session, err := c.accounts.Unlock(ctx, password)
	if err != nil {
		return nil, err
	}

	c.session = session
	return session, nil
}

// atRestEncryptor выводит at-rest ключ локальной базы карт из
// корневого ключа аккаунта
func atRestEncryptor(keys *crypto.AccountKeys) (*crypto.Encryptor, error) {
	derived, err := crypto.DeriveSessionKeys(keys.RootBundle.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive at-rest key: %w", err)
	}
	return crypto.NewEncryptor(derived.KeyID)
}

// cardsService создает сервис карт для разблокированной сессии
func (c *Cli) cardsService(session *account.Session) (*cards.Service, error) {
	atRest, err := atRestEncryptor(session.Keys)
	if err != nil {
		return nil, err
	}
	return cards.NewService(c.cardsDB.DB(), atRest, c.logger), nil
}

// syncService создает сервис синхронизации коллекции карт
func (c *Cli) syncService(session *account.Session) (*syncengine.Service[models.Card], error) {
	atRest, err := atRestEncryptor(session.Keys)
	if err != nil {
		return nil, err
	}

	factory := func(bundle *crypto.KeyBundle) *syncengine.Engine[models.Card] {
		codec := crypto.NewPayloadCipher(bundle)
		store := clientsqlite.NewCardsStore(atRest, codec)
		return syncengine.NewEngine(c.cardsDB.DB(), store, codec, c.logger)
	}

	return syncengine.NewService(
		c.remote,
		c.kv,
		factory,
		session.Keys.RootBundle,
		clientsqlite.CardsCollection,
		clientsqlite.CardsEngineVersion,
		c.logger,
	), nil
}

func PrintUsage() {
	fmt.Println("SyncKit Client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  synckit [OPTIONS] COMMAND [ARGS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --version                    Show version information")
	fmt.Println("  --server URL                 Server URL (default: http://localhost:8080)")
	fmt.Println("  --db PATH                    Path to local key-value database (default: synckit-client.db)")
	fmt.Println("  --cards-db PATH              Path to local cards database (default: synckit-cards.db)")
	fmt.Println("  --master-password PASSWORD   Master password (not recommended, use env var or file)")
	fmt.Println("  --master-password-file PATH  Path to file containing master password")
	fmt.Println()
	fmt.Println("Master Password Priority (highest to lowest):")
	fmt.Println("  1. SYNCKIT_MASTER_PASSWORD environment variable")
	fmt.Println("  2. --master-password-file (file path)")
	fmt.Println("  3. --master-password (command line)")
	fmt.Println("  4. Interactive prompt (fallback)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  register                Register new account")
	fmt.Println("  login                   Login and save session")
	fmt.Println("  logout                  Logout and delete local session")
	fmt.Println("  status                  Show session status")
	fmt.Println("  sync                    Synchronize local cards with server")
	fmt.Println("  card-add                Add a payment card")
	fmt.Println("  card-list               List saved cards")
	fmt.Println("  card-get <guid>         Show full card details")
	fmt.Println("  card-delete <guid>      Delete a card")
	fmt.Println("  card-touch <guid>       Record a use of the card")
	fmt.Println("  experiments             Update and list active experiments")
	fmt.Println("  opt-in <slug> <branch>  Force enrollment into an experiment branch")
	fmt.Println("  opt-out <slug>          Leave an experiment")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  synckit register")
	fmt.Println("  synckit login")
	fmt.Println("  export SYNCKIT_MASTER_PASSWORD='mySecretPassword123'")
	fmt.Println("  synckit card-add")
	fmt.Println("  synckit sync")
	fmt.Println("  synckit --server https://example.com sync")
}
