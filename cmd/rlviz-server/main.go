// RLViz training server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hiestaa/RLViz/internal/trainserver"
	"github.com/rs/zerolog"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	hashToken := flag.String("hash-token", "", "print the bcrypt hash of a token for RLVIZ_TOKEN_HASH and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rlviz-server %s\n", trainserver.Version)
		os.Exit(0)
	}

	if *hashToken != "" {
		hash, err := trainserver.HashToken(*hashToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		os.Exit(0)
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	// Load configuration
	cfg, err := trainserver.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize database
	db, err := trainserver.InitDatabase(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() { _ = db.Close() }()

	// Create server
	server := trainserver.New(cfg, db, log)

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run server
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server error")
		_ = db.Close()
		os.Exit(1)
	}
}
