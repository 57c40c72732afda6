package main

import (
	"log"

	"github.com/compiler-explorer/compile-bridge/core/infra/buildinfo"
	"github.com/compiler-explorer/compile-bridge/core/infra/config"
	"github.com/compiler-explorer/compile-bridge/core/relay"
)

func main() {
	log.Println("events gateway starting...")
	buildinfo.Log("events-gateway")
	cfg := config.Load()
	if err := relay.Run(cfg); err != nil {
		log.Fatalf("events gateway error: %v", err)
	}
}
