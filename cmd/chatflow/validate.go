package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dukex/chatflow/pkg/persistence/file"
	"github.com/dukex/chatflow/pkg/persistence/memory"
	"github.com/dukex/chatflow/pkg/services"
	cli "github.com/urfave/cli/v3"
)

const defaultTenant = "default"

var ErrInvalidFlows = errors.New("invalid flow definitions found")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate flow definition files (.json, .yaml, .yml)",
		ArgsUsage: "FILE...",
		Action: func(_ context.Context, command *cli.Command) error {
			paths := command.Args().Slice()
			if len(paths) == 0 {
				return cli.Exit("at least one flow file is required", 2)
			}

			if err := validateFiles(command.Root().Writer, paths); err != nil {
				return cli.Exit(err.Error(), 1)
			}

			return nil
		},
	}
}

// validateFiles prints one report per file and fails when any file has errors.
func validateFiles(w io.Writer, paths []string) error {
	flows := services.NewFlows(slog.New(slog.NewTextHandler(io.Discard, nil)), memory.NewPersistence())

	invalid := 0

	for _, path := range paths {
		f, err := file.LoadFlowFile(path)
		if err != nil {
			invalid++

			fmt.Fprintf(w, "%s: %v\n", path, err)

			continue
		}

		if f.TenantID == "" {
			f.TenantID = defaultTenant
		}

		report := flows.Validate(f)

		for _, msg := range report.ErrorMessages() {
			fmt.Fprintf(w, "%s: error: %s\n", path, msg)
		}

		for _, warning := range report.Warnings {
			fmt.Fprintf(w, "%s: warning: %s\n", path, warning)
		}

		if !report.Valid() {
			invalid++

			continue
		}

		fmt.Fprintf(w, "%s: ok\n", path)
	}

	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d", ErrInvalidFlows, invalid, len(paths))
	}

	return nil
}
