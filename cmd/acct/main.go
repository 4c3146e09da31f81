package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ispbase/netcore/internal/accounting"
	"github.com/ispbase/netcore/internal/config"
	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/models"
	"github.com/ispbase/netcore/internal/radius"
)

func main() {
	cfg := config.Load()

	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	hints := accounting.NewRedisHintQueue(database.Redis)
	ingestor := accounting.NewIngestor(database.DB, hints)

	server := radius.NewServer(cfg.RadiusAcctPort, ingestor)
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start accounting server: %v", err)
	}

	log.Printf("NetCore accounting listener running on :%d", cfg.RadiusAcctPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down accounting listener...")
}
