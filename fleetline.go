package main

import (
	"github.com/caesium-cloud/fleetline/cmd"
	"github.com/caesium-cloud/fleetline/pkg/env"
	"github.com/caesium-cloud/fleetline/pkg/log"
)

func main() {
	if err := env.Process(); err != nil {
		log.Fatal("environment failure", "error", err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal("fleetline failure", "error", err)
	}
}
