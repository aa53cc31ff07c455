package main

import (
	mfcli "github.com/matburt/mail2feed/internal/cli"

	// Register the run and process subcommands.
	_ "github.com/matburt/mail2feed"
)

func main() {
	mfcli.Run()
}
