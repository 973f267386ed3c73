// Package main mints floor access tokens for staging and operations.
package main

import (
	"flag"
	"os"

	floortokencmd "github.com/brigadehq/brigade/internal/cmd/floortoken"
	"github.com/brigadehq/brigade/internal/platform/config"
)

func main() {
	cfg, err := floortokencmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := floortokencmd.Run(os.Stdout, cfg); err != nil {
		config.Exitf("floortoken: %v", err)
	}
}
