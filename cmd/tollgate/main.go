package main

import (
	"os"

	"github.com/MEKXH/tollgate/cmd/tollgate/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
