package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dipeo/engine/internal/server"
	"github.com/dipeo/engine/internal/state"
)

func serveCmd(args []string) {
	addr := "127.0.0.1:8080"
	var dsn string
	var out string
	var debug bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(2)
			}
			addr = args[i]
		case "--db":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--db requires a postgres dsn")
				os.Exit(2)
			}
			dsn = args[i]
		case "--out":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--out requires a value")
				os.Exit(2)
			}
			out = args[i]
		case "--debug":
			debug = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(2)
		}
	}

	log := newLogger(debug)

	var store state.Store
	switch {
	case dsn != "":
		bun, err := state.NewBunStore(dsn)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = bun.Init(initCtx)
		cancel()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		store = bun
		log.Info().Msg("state store: postgres")
	case out != "":
		rd, err := state.NewRunDirStore(out)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		store = rd
		log.Info().Str("root", rd.Root()).Msg("state store: run dir")
	default:
		store = state.NewMemoryStore()
		log.Info().Msg("state store: memory")
	}

	coord, err := buildCoordinator(store, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	srv := server.New(server.Config{Addr: addr}, coord, store, nil, log)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
