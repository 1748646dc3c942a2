package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/dipeo/engine/internal/conversation"
	"github.com/dipeo/engine/internal/engine"
	"github.com/dipeo/engine/internal/llm"
	"github.com/dipeo/engine/internal/services"
	"github.com/dipeo/engine/internal/state"
)

func main() {
	// Provider keys and endpoint overrides may live in a local .env; a
	// missing file is fine, a malformed one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  dipeo run --diagram <file.yaml> [--var key=value]... [--run-id <id>] [--timeout <seconds>] [--max-iterations <n>] [--out <dir>] [--answer <text>] [--debug]")
	fmt.Fprintln(os.Stderr, "  dipeo validate --diagram <file.yaml>")
	fmt.Fprintln(os.Stderr, "  dipeo serve [--addr <host:port>] [--db <postgres dsn>] [--out <dir>] [--debug]")
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// buildCoordinator wires the full handler and service stack around a store.
// Prompts are not bound here: run passes a per-run interactive handler and
// serve parks prompts on its own web interviewers.
func buildCoordinator(store state.Store, log zerolog.Logger) (*engine.Coordinator, error) {
	handlers, err := engine.NewDefaultRegistry(services.EnvProduction)
	if err != nil {
		return nil, err
	}

	fs, err := services.NewOSFileSystem(".")
	if err != nil {
		return nil, err
	}

	reg := services.NewRegistry(services.EnvProduction)
	bindings := map[string]any{
		services.KeyFilesystem:   fs,
		services.KeyCodeRunner:   services.ExecRunner{},
		services.KeyHTTP:         &http.Client{},
		services.KeyConversation: conversation.NewStore(),
		services.KeyLLM:          llm.NewService(log),
		services.KeyIntegrations: services.NewProviderMux(),
	}
	for key, value := range bindings {
		if err := reg.Register(key, value); err != nil {
			return nil, err
		}
	}

	return &engine.Coordinator{
		Handlers: handlers,
		Services: reg,
		Store:    store,
		Log:      log,
	}, nil
}
