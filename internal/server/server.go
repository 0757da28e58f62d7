// Package server exposes the dispatch HTTP surface over gin.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"chatpool/internal/chats"
	"chatpool/internal/config"
	"chatpool/internal/dispatch"
	"chatpool/internal/ledger"
	"chatpool/internal/probe"
	"chatpool/internal/profilegate"
	"chatpool/internal/upstream"
)

// Deps collects everything the HTTP surface needs.
type Deps struct {
	Config       *config.Config
	DB           *gorm.DB
	Store        *ledger.Store
	Orchestrator *dispatch.Orchestrator
	Pool         *upstream.Pool
	Probes       *probe.Cache
	Chats        *chats.Manager
	Gate         *profilegate.Gate
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, deps)
	return router
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, deps Deps) error {
	addr := fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: NewRouter(deps),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown: %v", err)
		}
	}()

	log.Printf("server: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	return nil
}
