package main

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/zots0127/dedupstore/pkg/api"
	"github.com/zots0127/dedupstore/pkg/catalog"
	"github.com/zots0127/dedupstore/pkg/config"
	"github.com/zots0127/dedupstore/pkg/service"
	"github.com/zots0127/dedupstore/pkg/storage"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	cat, err := catalog.Open(cfg.Storage.Database)
	if err != nil {
		log.Fatal("Failed to open catalog: ", err)
	}
	defer cat.Close()

	store, err := storage.NewStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to initialize blob store: ", err)
	}

	svcConfig := service.DefaultServiceConfig()
	svcConfig.MaxUploadSize = cfg.Limits.MaxUploadSize
	svcConfig.MaxFilenameLength = cfg.Limits.MaxFilenameLength

	files := service.NewFileService(cat, store, svcConfig)
	stats := service.NewStatsService(cat, svcConfig)

	router := gin.New()
	router.Use(api.RequestLogger(), gin.Recovery())
	api.NewAPI(files, stats, cfg.API.Key).RegisterRoutes(router)

	log.Printf("Starting server on port %s", cfg.API.Port)
	if err := router.Run(":" + cfg.API.Port); err != nil {
		log.Fatal("Failed to start server: ", err)
	}
}
