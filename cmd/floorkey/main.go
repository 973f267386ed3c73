// Package main provides a one-shot utility for floor token key generation.
//
// It emits the ed25519 keypair used to sign and verify access tokens.
package main

import (
	"os"

	"github.com/brigadehq/brigade/internal/platform/config"
	"github.com/brigadehq/brigade/internal/tools/floorkey"
)

func main() {
	if err := floorkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate floor token key: %v", err)
	}
}
