// Package main is the planner command.
package main

import (
	"fmt"
	"os"

	"github.com/muaviaUsmani/planner/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
