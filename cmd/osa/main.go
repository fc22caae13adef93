package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/internal/config"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "osa: %v\n", err)
		switch {
		case errors.Is(err, config.ErrInvalid):
			os.Exit(2)
		case errors.Is(err, agent.ErrNoProviders):
			os.Exit(3)
		default:
			os.Exit(1)
		}
	}
}
