package main

import (
	"os"

	"github.com/fkirchmann/ProductionPilot/cmd/productionpilot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
