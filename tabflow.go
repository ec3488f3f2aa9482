package main

import (
	"github.com/tabflow-cloud/tabflow/cmd"
	"github.com/tabflow-cloud/tabflow/pkg/env"
	"github.com/tabflow-cloud/tabflow/pkg/log"
)

func main() {
	if err := env.Process(); err != nil {
		log.Fatal("environment failure", "error", err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal("tabflow failure", "error", err)
	}
}
