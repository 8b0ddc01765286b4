package main

import (
	"os"

	"github.com/igorsilveira/switchboard/cmd/switchboard"
)

func main() {
	if err := switchboard.Execute(); err != nil {
		os.Exit(1)
	}
}
