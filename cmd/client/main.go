package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/iudanet/synckit/internal/client/account"
	clientapi "github.com/iudanet/synckit/internal/client/api"
	"github.com/iudanet/synckit/internal/client/cli"
	"github.com/iudanet/synckit/internal/client/experiments"
	"github.com/iudanet/synckit/internal/client/iocli"
	"github.com/iudanet/synckit/internal/client/storage/boltdb"
	clientsqlite "github.com/iudanet/synckit/internal/client/storage/sqlite"
	"github.com/iudanet/synckit/internal/models"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	serverURL := flag.String("server", "http://localhost:8080", "Server URL")
	dbPath := flag.String("db", "synckit-client.db", "Path to local key-value database")
	cardsDBPath := flag.String("cards-db", "synckit-cards.db", "Path to local cards database")
	masterPassword := flag.String("master-password", "", "Master password (not recommended)")
	masterPasswordFile := flag.String("master-password-file", "", "Path to file containing master password")
	verbose := flag.Bool("verbose", false, "Enable debug logging")

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		cli.PrintUsage()
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()

	kv, err := boltdb.New(ctx, *dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	cardsDB, err := clientsqlite.New(ctx, *cardsDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open cards database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := cardsDB.Close(); err != nil {
			logger.Error("Failed to close cards database", "error", err)
		}
	}()

	remote := clientapi.NewClient(*serverURL, nil, logger)
	accounts := account.NewService(remote, account.NewStore(kv), logger)

	appContext := models.AppContext{
		AppName:    "synckit",
		AppID:      "org.synckit.cli",
		Channel:    "release",
		AppVersion: Version,
		Locale:     "en-US",
	}
	nimbus := experiments.NewNimbusClient(kv, remote, appContext, nil, false, logger)

	app := cli.New(
		iocli.NewStdio(),
		remote,
		kv,
		cardsDB,
		accounts,
		nimbus,
		cli.Passwords{FromFile: *masterPasswordFile, FromArgs: *masterPassword},
		logger,
	)

	if err := app.Run(ctx, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("SyncKit Client\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
