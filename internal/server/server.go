// Package server exposes the routing engine over HTTP: webhook ingestion,
// operator actions, admin CRUD, and the per-operator SSE stream that doubles
// as the presence connection.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/centrodesk/lineup/internal/alert"
	"github.com/centrodesk/lineup/internal/failover"
	"github.com/centrodesk/lineup/internal/pipeline"
	"github.com/centrodesk/lineup/internal/presence"
	"github.com/centrodesk/lineup/internal/push"
	"github.com/centrodesk/lineup/internal/router"
)

// Opts holds configuration for the API server.
type Opts struct {
	DB       *gorm.DB
	Registry *presence.Registry
	Router   *router.Router
	Pipeline *pipeline.Pipeline
	Failover *failover.Coordinator
	Notifier *push.Notifier
	Alerts   *alert.Notifier // optional
	// DefaultSegment tags queued messages from wildcard lines.
	DefaultSegment int
	Port           int
	Out            io.Writer
}

func (o *Opts) validate() error {
	if o.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if o.Registry == nil {
		return fmt.Errorf("server: presence registry is required")
	}
	if o.Router == nil {
		return fmt.Errorf("server: router is required")
	}
	if o.Pipeline == nil {
		return fmt.Errorf("server: pipeline is required")
	}
	if o.Failover == nil {
		return fmt.Errorf("server: failover coordinator is required")
	}
	if o.Notifier == nil {
		return fmt.Errorf("server: push notifier is required")
	}
	return nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	engine, err := NewEngine(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: engine,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewEngine builds the gin engine with all routes registered. Split from
// Start so tests can drive it through httptest.
func NewEngine(opts Opts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	registerRoutes(engine, &opts)
	return engine, nil
}
