package main

import (
	"os"

	"streamingest/cmd/streamingest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
