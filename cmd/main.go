package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/debumedia/image-optimizer/internal/config"
	"github.com/debumedia/image-optimizer/internal/handler"
	"github.com/debumedia/image-optimizer/internal/repository"
	"github.com/debumedia/image-optimizer/internal/service"
	"github.com/debumedia/image-optimizer/pkg/imgconv"
	"github.com/debumedia/image-optimizer/pkg/storage"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if _, err := os.Stat("configs/config.local.yaml"); err == nil {
		viper.SetConfigFile("configs/config.local.yaml")
	} else {
		viper.SetConfigFile("configs/config.yaml")
	}
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config parse failed", zap.Error(err))
	}

	ctx := context.Background()
	db, err := config.NewDBPool(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	if err := repository.EnsureSchema(ctx, db); err != nil {
		logger.Fatal("schema bootstrap failed", zap.Error(err))
	}

	cache := config.NewRedis(cfg.RedisAddr, cfg.RedisDB)

	layout, err := storage.NewLayout(cfg.StoragePath)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}

	repo := repository.NewSessionRepository(db, cache, logger)
	processor := imgconv.NewProcessor(cfg.Quality)
	converter := service.NewConversionService(layout, repo, processor, logger)
	lifecycle := service.NewLifecycleService(layout, repo, logger)
	hdl := handler.NewFileHandler(converter, lifecycle, logger, cfg.MaxUploadBytes)

	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "image-optimizer",
			"version": "1.0.0",
		})
	})

	api := r.Group("/api/v1")
	{
		api.POST("/convert", hdl.Convert)
		api.GET("/files", hdl.List)
		api.GET("/files/archive", hdl.Archive)
		api.GET("/files/:name/download", hdl.Download)
		api.GET("/files/:name/thumbnail", hdl.Thumbnail)
		api.DELETE("/files/:name", hdl.DeleteOne)
		api.DELETE("/files", hdl.DeleteAll)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-sig:
			return srv.Shutdown(context.Background())
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exit", zap.Error(err))
	}
}
