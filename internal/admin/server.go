// Package admin exposes the local management plane: administrative commands
// over HTTP and the domain event stream over server-sent events.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/synche-io/synche/internal/events"
)

// Controller is the slice of the engine the admin plane drives.
type Controller interface {
	AddDirectory(name string) error
	RemoveDirectory(name string) error
	SetHomePath(path string) error
	Status() map[string]any
}

type Server struct {
	port int
	ctrl Controller
	bus  *events.Bus
	srv  *http.Server
}

func New(port int, ctrl Controller, bus *events.Bus) *Server {
	return &Server{port: port, ctrl: ctrl, bus: bus}
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(sloggin.New(slog.Default()))
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	v1 := router.Group("/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.POST("/directories", s.addDirectory)
		v1.DELETE("/directories/:name", s.removeDirectory)
		v1.PUT("/home", s.setHome)
		v1.GET("/events", s.streamEvents)
	}

	return router
}

func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler: s.routes(),
	}

	go func() {
		slog.Info("admin server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server failed", "error", err)
		}
	}()

	return nil
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

type directoryRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) addDirectory(c *gin.Context) {
	var req directoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ctrl.AddDirectory(req.Name); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name})
}

func (s *Server) removeDirectory(c *gin.Context) {
	name := c.Param("name")
	if err := s.ctrl.RemoveDirectory(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name})
}

type homeRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) setHome(c *gin.Context) {
	var req homeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ctrl.SetHomePath(req.Path); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": req.Path})
}

// streamEvents bridges the event bus onto SSE. Subscription starts at
// request time; there is no history replay.
func (s *Server) streamEvents(c *gin.Context) {
	ch, cancel := s.bus.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		}
	})
}
