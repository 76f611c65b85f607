// Package server - HTTP-Front fuer das Inferenz-Backend
// Beinhaltet: Server-Struct, Router-Registrierung, Infer-Endpunkt,
// Health- und Model-Listing-Routen
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ctrserve/ctrserve/api"
	"github.com/ctrserve/ctrserve/version"
)

// Server verwaltet den HTTP-Server und den Scheduler.
type Server struct {
	sched *Scheduler
}

// NewServer erstellt einen Server ueber einem Scheduler.
func NewServer(sched *Scheduler) *Server {
	return &Server{sched: sched}
}

// GenerateRoutes baut den gin-Router.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "Accept"}
	corsConfig.AllowAllOrigins = true

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(corsConfig))

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ctrserve is running") })
	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version.Version})
	})
	r.GET("/v2/health/ready", s.ReadyHandler)
	r.GET("/v2/models", s.ListHandler)
	r.POST("/v2/models/:model/infer", s.InferHandler)

	return r
}

// ReadyHandler meldet Bereitschaft, sobald mindestens ein Model
// geladen ist.
func (s *Server) ReadyHandler(c *gin.Context) {
	if len(s.sched.Names()) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no models loaded"})
		return
	}
	c.Status(http.StatusOK)
}

// ListHandler listet die geladenen Modelle.
func (s *Server) ListHandler(c *gin.Context) {
	names := s.sched.Names()
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"models": names})
}

// InferHandler nimmt einen Inferenz-Request entgegen, uebersetzt ihn
// in das Host-ABI und fuehrt ihn auf einer Instanz des Models aus.
func (s *Server) InferHandler(c *gin.Context) {
	model, ok := s.sched.Model(c.Param("model"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("model %q not found", c.Param("model"))})
		return
	}

	var body inferRequestJSON
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := &api.InferRequest{ID: body.ID, Outputs: body.Outputs}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if len(req.Outputs) == 0 {
		req.Outputs = []string{api.OutputName}
	}
	for _, in := range body.Inputs {
		t, err := decodeTensor(in)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.Inputs = append(req.Inputs, t)
	}

	resp, err := model.execute(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if resp.Error != nil {
		c.JSON(http.StatusBadRequest, gin.H{"id": resp.ID, "error": resp.Error.Error()})
		return
	}

	out := inferResponseJSON{
		ID:         resp.ID,
		ModelName:  model.state.Name(),
		Parameters: resp.Params,
	}
	for _, t := range resp.Outputs {
		enc, err := encodeTensor(t)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out.Outputs = append(out.Outputs, enc)
	}
	c.JSON(http.StatusOK, out)
}

// Serve betreibt den Server auf dem Listener bis ctx endet.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.GenerateRoutes()}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Info("listening", "addr", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
