// Package main provides the quotacache CLI for running the caching layer and
// inspecting documents through it.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
