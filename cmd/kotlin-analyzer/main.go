// Package main provides the entry point for the kotlin-analyzer language server.
package main

import (
	"fmt"
	"os"

	"github.com/kotlin-analyzer/kotlin-analyzer/cmd/kotlin-analyzer/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
