package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/engine"
	"github.com/dipeo/engine/internal/events"
	"github.com/dipeo/engine/internal/services"
	"github.com/dipeo/engine/internal/state"
)

const defaultRunRoot = ".dipeo/runs"

func runCmd(args []string) {
	var diagramPath string
	var runID string
	var answer string
	var debug bool
	var timeoutSeconds int
	var maxIterations int
	out := defaultRunRoot
	vars := map[string]any{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--diagram":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--diagram requires a value")
				os.Exit(2)
			}
			diagramPath = args[i]
		case "--var":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--var requires a value in the form key=value")
				os.Exit(2)
			}
			key, value, err := parseVar(args[i])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			vars[key] = value
		case "--run-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run-id requires a value")
				os.Exit(2)
			}
			runID = args[i]
		case "--timeout":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--timeout requires a value in seconds")
				os.Exit(2)
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "--timeout %q is not a positive number of seconds\n", args[i])
				os.Exit(2)
			}
			timeoutSeconds = n
		case "--max-iterations":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--max-iterations requires a value")
				os.Exit(2)
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "--max-iterations %q is not a positive number\n", args[i])
				os.Exit(2)
			}
			maxIterations = n
		case "--out":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--out requires a value")
				os.Exit(2)
			}
			out = args[i]
		case "--answer":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--answer requires a value")
				os.Exit(2)
			}
			answer = args[i]
		case "--debug":
			debug = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(2)
		}
	}

	if diagramPath == "" {
		usage()
		os.Exit(2)
	}

	log := newLogger(debug)

	d, err := diagram.LoadFile(diagramPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	store, err := state.NewRunDirStore(out)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	coord, err := buildCoordinator(store, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	interactive := stdinPrompter()
	if answer != "" {
		interactive = services.AutoResponder(answer)
	}

	// No deadline on the context itself; --timeout bounds the run from
	// inside, and Ctrl-C cancels it cleanly so the failed state still
	// reaches the run dir.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventCh, err := coord.Execute(ctx, d, engine.Options{
		Variables:      vars,
		TimeoutSeconds: timeoutSeconds,
		MaxIterations:  maxIterations,
		Interactive:    interactive,
		DebugMode:      debug,
	}, runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var terminal events.Event
	var results []events.Event
	for ev := range eventCh {
		switch ev.Type {
		case events.ExecutionStart:
			log.Info().Str("execution_id", ev.ExecutionID).Msg("execution started")
		case events.NodeStart:
			log.Info().Str("node", ev.NodeID).Str("type", ev.NodeType).Msg("node started")
		case events.NodeComplete:
			log.Info().Str("node", ev.NodeID).Str("type", ev.NodeType).Msg("node completed")
			if ev.NodeType == string(diagram.NodeEndpoint) && ev.Output != nil {
				results = append(results, ev)
			}
		case events.NodeError:
			log.Error().Str("node", ev.NodeID).Str("kind", ev.Kind).Msg(ev.Error)
		case events.IterationTick:
			log.Debug().Int("iteration", ev.Iteration).Int("executed", ev.ExecutedNodes).Msg("iteration finished")
		case events.ExecutionComplete, events.ExecutionError:
			terminal = ev
		}
	}

	if terminal.Type == "" {
		// The stream closed without a terminal event; treat as failure.
		fmt.Fprintln(os.Stderr, "execution ended without a terminal event")
		os.Exit(1)
	}
	if terminal.Error != "" {
		fmt.Fprintln(os.Stderr, terminal.Error)
	}

	fmt.Printf("execution_id=%s\n", terminal.ExecutionID)
	fmt.Printf("status=%s\n", terminal.Status)
	fmt.Printf("run_dir=%s\n", filepath.Join(store.Root(), terminal.ExecutionID))
	for _, ev := range results {
		b, err := json.Marshal(ev.Output.Value)
		if err != nil {
			continue
		}
		fmt.Printf("result=%s\n", b)
	}

	if terminal.Status == events.RunCompleted {
		os.Exit(0)
	}
	os.Exit(1)
}

// parseVar splits key=value. Values that parse as JSON scalars or documents
// keep their parsed type so conditions and expressions see numbers and bools,
// not strings.
func parseVar(raw string) (string, any, error) {
	key, value, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return "", nil, fmt.Errorf("--var %q is invalid; expected key=value", raw)
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err == nil {
		return key, parsed, nil
	}
	return key, value, nil
}

// stdinPrompter answers user_response prompts from the terminal. One prompt
// owns stdin at a time; a timed-out prompt leaves its read parked until the
// next line arrives.
func stdinPrompter() services.InteractiveHandler {
	in := bufio.NewReader(os.Stdin)
	var mu sync.Mutex
	return func(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		fmt.Fprintf(os.Stderr, "%s\n> ", prompt)

		type readResult struct {
			line string
			err  error
		}
		ch := make(chan readResult, 1)
		go func() {
			line, err := in.ReadString('\n')
			ch <- readResult{strings.TrimRight(line, "\r\n"), err}
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case res := <-ch:
			if res.err != nil && res.line == "" {
				return "", res.err
			}
			return res.line, nil
		case <-timer.C:
			return "", fmt.Errorf("no answer within %s", timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
