package main

import (
	log "github.com/sirupsen/logrus"

	"taskhub/internal/app"
	"taskhub/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Fail loading config %v", err)
	}

	application := app.New(&cfg)
	application.Run()
}
