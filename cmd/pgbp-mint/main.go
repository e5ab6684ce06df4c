package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/elnosh/provablegbp/mint"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional, the environment may already be set
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("error loading .env file: %v", err)
	}

	mintConfig, err := configFromEnv()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	m, err := mint.LoadMint(mintConfig)
	if err != nil {
		log.Fatalf("error loading mint: %v", err)
	}
	mintServer := mint.SetupMintServer(m, mintConfig)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		if err := mintServer.Shutdown(); err != nil {
			log.Printf("error shutting down mint server: %v", err)
		}
	}()

	if err := mintServer.Start(); err != nil {
		log.Fatalf("error starting mint server: %v", err)
	}
}

func configFromEnv() (mint.Config, error) {
	config := mint.Config{
		Port:                  os.Getenv("MINT_PORT"),
		MintPath:              os.Getenv("MINT_DB_PATH"),
		Operator:              os.Getenv("OPERATOR_PUBKEY"),
		OperatorEncryptionKey: os.Getenv("OPERATOR_ENCRYPTION_KEY"),
	}

	backend, err := mint.StringToDBBackend(os.Getenv("MINT_DB_BACKEND"))
	if err != nil {
		return mint.Config{}, err
	}
	config.DBBackend = backend

	if ttl := os.Getenv("MINT_REQUEST_TTL"); len(ttl) > 0 {
		duration, err := time.ParseDuration(ttl)
		if err != nil {
			// plain number of seconds
			seconds, err := strconv.ParseUint(ttl, 10, 64)
			if err != nil {
				return mint.Config{}, fmt.Errorf("invalid MINT_REQUEST_TTL '%v'", ttl)
			}
			duration = time.Duration(seconds) * time.Second
		}
		config.RequestTTL = duration
	}

	numerator, denominator := os.Getenv("MINT_RATIO_NUMERATOR"), os.Getenv("MINT_RATIO_DENOMINATOR")
	if len(numerator) > 0 || len(denominator) > 0 {
		num, err := strconv.ParseUint(numerator, 10, 64)
		if err != nil {
			return mint.Config{}, fmt.Errorf("invalid MINT_RATIO_NUMERATOR '%v'", numerator)
		}
		den, err := strconv.ParseUint(denominator, 10, 64)
		if err != nil {
			return mint.Config{}, fmt.Errorf("invalid MINT_RATIO_DENOMINATOR '%v'", denominator)
		}
		ratio, err := mint.NewRatio(num, den)
		if err != nil {
			return mint.Config{}, err
		}
		config.Ratio = ratio
	}

	switch os.Getenv("MINT_LOG_LEVEL") {
	case "debug":
		config.LogLevel = mint.Debug
	case "disable":
		config.LogLevel = mint.Disable
	default:
		config.LogLevel = mint.Info
	}

	if rateLimit := os.Getenv("MINT_RATE_LIMIT"); len(rateLimit) > 0 {
		limit, err := strconv.ParseFloat(rateLimit, 64)
		if err != nil || limit < 0 {
			return mint.Config{}, fmt.Errorf("invalid MINT_RATE_LIMIT '%v'", rateLimit)
		}
		config.RateLimit = limit
	}

	return config, nil
}
