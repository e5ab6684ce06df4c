package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/elnosh/provablegbp/crypto"
	"github.com/elnosh/provablegbp/operator"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "./pgbp-operator.toml", "location of the config TOML file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("error loading .env file: %v", err)
	}

	mnemonic := os.Getenv("OPERATOR_MNEMONIC")
	if len(mnemonic) == 0 {
		log.Fatal(operator.ErrMissingMnemonic)
	}
	keys, err := crypto.KeysFromMnemonic(mnemonic)
	if err != nil {
		log.Fatalf("could not derive operator keys: %v", err)
	}

	config, err := operator.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("unable to load config: %v", err)
	}

	logger := setupLogger(config.LogLevel)
	logger.Info("operator keys loaded",
		slog.String("identity", keys.Identity.Id()),
		slog.String("encryptionKey", keys.Encryption.PublicKeyBase64()))

	op, err := operator.NewOperator(config, keys, nil, logger)
	if err != nil {
		log.Fatalf("unable to setup operator: %v", err)
	}
	if err := op.Start(); err != nil {
		log.Fatalf("unable to start operator: %v", err)
	}
	logger.Info("listening for mint events...")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c

	logger.Info("exiting", slog.String("signal", sig.String()))
	op.Stop()
}

func setupLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	if level == "debug" {
		logLevel = slog.LevelDebug
	}

	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		AddSource:   true,
		Level:       logLevel,
		ReplaceAttr: replacer,
	}))
}
