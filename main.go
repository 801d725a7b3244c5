package main

import (
	"log"
	"os"
	"time"

	"docassist/internal/api"
	"docassist/internal/chat"
	"docassist/internal/config"
	"docassist/internal/mirror"
	"docassist/internal/redis"
	"docassist/internal/storage"
	"docassist/internal/store"
	"docassist/internal/transport"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("DOCASSIST_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("DOCASSIST_DB")
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

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	sessions := store.NewSessionStore(db)
	messages := store.NewMessageStore(db, dbType)

	mirrorStore := mirror.NewStore(rdb, mirror.Identity{
		BusinessOID: cfg.Identity.BusinessOID,
		DoctorOID:   cfg.Identity.DoctorOID,
		OwnerID:     cfg.Identity.OwnerID,
		UserAgent:   cfg.BasicConfig.UserAgent,
	})
	defer mirrorStore.Close()

	timeout := time.Duration(cfg.Backend.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	streamClient := transport.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.BasicConfig.UserAgent, timeout)

	engine := chat.NewOrchestrator(sessions, messages,
		chat.TransportStreamer{Client: streamClient},
		chat.RedisMirror{Store: mirrorStore},
	)
	defer engine.Close()

	handlers := api.NewHandler(sessions, messages, engine, cfg.Identity.DoctorOID, cfg.Identity.BusinessOID)

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
