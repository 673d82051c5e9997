package main

import (
	"os"

	"ciphergroup/cmd/ciphergroup/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
