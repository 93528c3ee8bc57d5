// Package gateway serves the OpenAI-compatible HTTP surface: chat
// completions, model and key administration, remote sessions, and the
// broadcast slot.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/axismundi/amallo/internal/announce"
	"github.com/axismundi/amallo/internal/audit"
	"github.com/axismundi/amallo/internal/broadcast"
	"github.com/axismundi/amallo/internal/inference"
	"github.com/axismundi/amallo/internal/keystore"
	"github.com/axismundi/amallo/internal/models"
	"github.com/axismundi/amallo/internal/registry"
	"github.com/axismundi/amallo/internal/remote"
)

// Opts holds the state objects the gateway composes. Everything except
// Relay and Audit is required.
type Opts struct {
	Node        string // reported as "node"; default amallo-controller
	Keys        *keystore.Store
	Registry    *registry.Registry
	Dispatcher  *inference.Dispatcher
	Sessions    *remote.Manager
	Broadcast   *broadcast.Slot
	DefaultFrom string // broadcast author for shared-secret writes
	Relay       *announce.Relay
	Audit       *audit.Log
	DiskPath    string // filesystem probed for disk_free_gb; default "/"
	Now         func() time.Time
}

// Server is the gateway HTTP handler plus the state it serves.
type Server struct {
	node        string
	keys        *keystore.Store
	registry    *registry.Registry
	dispatcher  *inference.Dispatcher
	sessions    *remote.Manager
	slot        *broadcast.Slot
	defaultFrom string
	relay       *announce.Relay
	audit       *audit.Log
	diskPath    string
	now         func() time.Time

	router *gin.Engine
}

// New validates opts, wires the broadcast relay, and registers every route.
func New(opts Opts) (*Server, error) {
	switch {
	case opts.Keys == nil:
		return nil, fmt.Errorf("gateway: keys are required")
	case opts.Registry == nil:
		return nil, fmt.Errorf("gateway: registry is required")
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("gateway: dispatcher is required")
	case opts.Sessions == nil:
		return nil, fmt.Errorf("gateway: session manager is required")
	case opts.Broadcast == nil:
		return nil, fmt.Errorf("gateway: broadcast slot is required")
	}
	if opts.Node == "" {
		opts.Node = "amallo-controller"
	}
	if opts.DefaultFrom == "" {
		opts.DefaultFrom = "marcus"
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		node:        opts.Node,
		keys:        opts.Keys,
		registry:    opts.Registry,
		dispatcher:  opts.Dispatcher,
		sessions:    opts.Sessions,
		slot:        opts.Broadcast,
		defaultFrom: opts.DefaultFrom,
		relay:       opts.Relay,
		audit:       opts.Audit,
		diskPath:    opts.DiskPath,
		now:         opts.Now,
	}

	if s.relay != nil && s.relay.Len() > 0 {
		s.slot.OnWrite(s.relayBroadcast)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(recovery(), requestLogger(), cors())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// StartOpts holds listener configuration for Start.
type StartOpts struct {
	Addr string
	Out  io.Writer
}

// Start serves the gateway on opts.Addr. It blocks until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context, opts StartOpts) error {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8200"
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Amallo gateway %s listening on http://%s\n", s.node, opts.Addr)
		fmt.Fprintf(opts.Out, "Default model: %s\n", s.registry.Current())
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// relayBroadcast forwards active broadcasts to the configured announcers.
func (s *Server) relayBroadcast(msg broadcast.Message) {
	if !msg.Active {
		return
	}
	s.relay.Publish(announce.Announcement{
		Text: msg.Text,
		From: msg.From,
		Node: s.node,
		At:   time.Unix(msg.TS, 0),
	})
}

func (s *Server) record(e models.AuditEntry, start time.Time) {
	e.LatencyMs = s.audit.Since(start)
	s.audit.Record(e)
}
