// agentboard - live dashboard for an AI agent company.
package main

import (
	"fmt"
	"os"

	"github.com/markus-barta/agentboard/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
