package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"ledgerchat/internal/api"
	"ledgerchat/internal/auth"
	"ledgerchat/internal/cache"
	"ledgerchat/internal/config"
	"ledgerchat/internal/engine"
	"ledgerchat/internal/service/books"
	"ledgerchat/internal/storage"
)

func main() {
	cfgPath := os.Getenv("LEDGERCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("LEDGERCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	cacheClient, err := cache.NewClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, snapshots read straight from the database: %v", err)
		cacheClient = nil
	}
	if cacheClient != nil {
		defer cacheClient.Close()
	}

	booksService, err := books.NewService(db)
	if err != nil {
		log.Fatalf("init books service: %v", err)
	}
	authService := auth.NewService(db, 24*time.Hour)
	actionEngine := engine.New(cfg, booksService, cacheClient)

	handlers := api.NewHandler(booksService, authService, actionEngine)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
