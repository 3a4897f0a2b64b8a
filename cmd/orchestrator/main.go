// Package main provides the experiment orchestrator command line.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func newCommand() *cli.Command {
	return &cli.Command{
		Name:                  "orchestrator",
		Usage:                 "Compile and run science gateway experiments",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewServeCommand(),
			NewCompileCommand(),
			NewSyncCommand(),
		},
	}
}

func main() {
	err := newCommand().Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
