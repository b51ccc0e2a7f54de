// Package main provides the StudyForge CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/studyforge-ai/studyforge/cmd/studyforge-cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
