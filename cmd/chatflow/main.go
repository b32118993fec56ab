// Package main provides the chatflow command line tool for checking and
// trying out flow definitions offline.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func NewCommand() *cli.Command {
	return &cli.Command{
		Name:                  "chatflow",
		Usage:                 "Validate and simulate chat flow definitions",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewValidateCommand(),
			NewSimulateCommand(),
		},
	}
}

func main() {
	if err := NewCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
