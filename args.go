package main

import (
	"os"

	"auction-engine/internal/config"
)

// ParseArgs reads flags and AUCTION_* environment overrides
func ParseArgs() (config.Config, error) {
	return config.Load(config.Flags(), os.Args[1:])
}
