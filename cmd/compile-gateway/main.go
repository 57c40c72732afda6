package main

import (
	"log"

	"github.com/compiler-explorer/compile-bridge/core/bridge"
	"github.com/compiler-explorer/compile-bridge/core/infra/buildinfo"
	"github.com/compiler-explorer/compile-bridge/core/infra/config"
)

func main() {
	log.Println("compile gateway starting...")
	buildinfo.Log("compile-gateway")
	cfg := config.Load()
	if err := bridge.Run(cfg); err != nil {
		log.Fatalf("compile gateway error: %v", err)
	}
}
