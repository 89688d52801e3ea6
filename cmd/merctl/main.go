package main

import (
	"os"

	"github.com/merlab/mer-backend/cmd/merctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
