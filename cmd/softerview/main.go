package main

import (
	"os"
)

var version = "dev"

func main() {
	// errors are already printed by the printer package
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
