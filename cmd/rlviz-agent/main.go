// RLViz Agent - drives a remote training server over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Hiestaa/RLViz/internal/agent"
	"github.com/Hiestaa/RLViz/internal/config"
	"github.com/Hiestaa/RLViz/internal/preset"
	"github.com/Hiestaa/RLViz/internal/protocol"
	"github.com/rs/zerolog"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")
	problem := flag.String("problem", "", "problem to train on (starts training when set)")
	algorithm := flag.String("algorithm", "Sarsa", "algorithm to train with")
	episodes := flag.Int("episodes", 1000, "number of training episodes")
	delay := flag.Int("delay", 0, "delay between episodes in ms")
	once := flag.Bool("once", false, "exit after the training run completes")
	presetPath := flag.String("preset", "", "TOML training preset (overrides -problem, -algorithm, -episodes)")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("rlviz-agent %s\n", agent.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	var run *preset.Preset
	if *presetPath != "" {
		p, err := preset.Load(*presetPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		run = p
	} else if *problem != "" {
		run = &preset.Preset{
			Problem:   preset.Component{Name: *problem},
			Algorithm: preset.Component{Name: *algorithm},
			Agent:     map[string]any{"nEpisodes": *episodes, "delay": *delay},
		}
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", agent.Version).
		Str("url", cfg.ServerURL).
		Msg("RLViz Agent starting")

	// Create agent
	var a *agent.Agent
	collab := agent.LogCollaborator{Log: log}
	if *once {
		collab.Done = func(message string) {
			if message == "training complete" {
				a.Shutdown()
			}
		}
	}
	a = agent.New(cfg, log, collab,
		agent.WithAlerter(agent.LogAlerter{Log: log}),
		agent.WithDefaultSubscriber(func(sub agent.Subscription) agent.Subscriber {
			return agent.NewConsoleSubscriber(log, sub)
		}),
	)

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		// Suspended registrations of the same kind replace each other, so
		// register only once the connection is up.
		if err := waitReady(ctx, a); err != nil {
			return
		}
		if err := subscribe(ctx, a, agent.DefaultInspector, protocol.Params{"frequency": cfg.ProgressFrequency}, log); err != nil {
			log.Error().Err(err).Msg("failed to register progress inspector")
			return
		}
		if run == nil {
			return
		}
		for _, insp := range run.Inspectors {
			if err := subscribe(ctx, a, insp.Name, insp.Params, log); err != nil {
				log.Error().Err(err).Str("inspector", insp.Name).Msg("failed to register inspector")
				return
			}
		}
		a.Train(agent.TrainRequest{
			Problem:         run.Problem.Name,
			ProblemParams:   run.ProblemParams(),
			Algorithm:       run.Algorithm.Name,
			AlgorithmParams: run.AlgorithmParams(),
			AgentParams:     run.AgentParams(),
		}, func() {
			log.Info().Str("problem", run.Problem.Name).Str("algorithm", run.Algorithm.Name).Msg("train command sent")
		})
	}()

	// Run agent
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

// subscribe registers an inspector that logs to the console.
func subscribe(ctx context.Context, a *agent.Agent, name string, params protocol.Params, log zerolog.Logger) error {
	uid, err := a.AddInspector(ctx, name, params, nil)
	if err != nil {
		return err
	}
	sub := agent.Subscription{Name: name, UID: uid, Params: params}
	a.AttachSubscriber(uid, agent.NewConsoleSubscriber(log, sub))
	return nil
}

func waitReady(ctx context.Context, a *agent.Agent) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !a.IsReady(ctx) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func printUsage() {
	fmt.Printf(`Usage: rlviz-agent [options]

RLViz Agent %s - connects to an RLViz training server and reports progress.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity
  --problem       Problem to train on; training starts when set
  --algorithm     Algorithm to train with (default: Sarsa)
  --episodes      Number of training episodes (default: 1000)
  --delay         Delay between episodes in ms (default: 0)
  --once          Exit once the training run completes
  --preset        TOML training preset (problem, algorithm, agent, inspectors)

Environment variables:
  RLVIZ_URL                 Training server WebSocket URL (default: %s)
  RLVIZ_TOKEN               Bearer token, if the server requires one
  RLVIZ_LOG_LEVEL           Log level: debug, info, warn, error
  RLVIZ_DEFAULT_INSPECTOR   Re-create a progress inspector after reconnect (default: true)
  RLVIZ_PROGRESS_FREQUENCY  Progress ticks per run (default: 1000)
`, agent.Version, config.DefaultURL)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	// Load config
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Server:      %s\n", cfg.ServerURL)
	fmt.Printf("  Token:       %t\n", cfg.Token != "")
	fmt.Printf("  Frequency:   %d\n", cfg.ProgressFrequency)
	fmt.Println()

	// Test connectivity
	fmt.Print("Testing server connectivity... ")

	// Convert WebSocket URL to the HTTP health endpoint
	httpURL := cfg.ServerURL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/subscribe/train") + "/health"

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
