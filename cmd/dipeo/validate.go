package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/engine"
	"github.com/dipeo/engine/internal/services"
)

func validateCmd(args []string) {
	var diagramPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--diagram":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--diagram requires a value")
				os.Exit(2)
			}
			diagramPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(2)
		}
	}
	if diagramPath == "" {
		usage()
		os.Exit(2)
	}

	d, err := diagram.LoadFile(diagramPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	handlers, err := engine.NewDefaultRegistry(services.EnvProduction)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	diags := diagram.Validate(d, diagram.NewTypeKnownRule(handlers.Types()))
	failed := false
	for _, dg := range diags {
		if dg.Severity == diagram.SeverityError {
			failed = true
		}
	}
	if failed {
		for _, dg := range diags {
			fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", dg.Severity, dg.Message, dg.Rule)
		}
		os.Exit(1)
	}

	fmt.Printf("ok: %s\n", filepath.Base(diagramPath))
	for _, dg := range diags {
		fmt.Printf("%s: %s (%s)\n", dg.Severity, dg.Message, dg.Rule)
	}
}
