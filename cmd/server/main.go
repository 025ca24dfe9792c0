package main

import (
	"log"

	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	if err := srv.Run(); err != nil {
		log.Fatalf("server: %v", err)
	}
}
