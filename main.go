// Package main is the entry point for the vigilant log collector.
package main

import (
	"fmt"
	"os"

	"vigilant/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
