package attachments

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server exposes the attachment store over HTTP: a gin router with a
// health endpoint, one logging middleware, and a GET download route.
type Server struct {
	store  *Store
	logger *zap.Logger
	router *gin.Engine
	server *http.Server
}

// NewServer builds the gin router for a Store. It does not change gin's
// mode; callers choose it with gin.SetMode before constructing the Server.
func NewServer(store *Store, logger *zap.Logger) *Server {
	s := &Server{store: store, logger: logger}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/attachments/:attachmentId/:filename", s.handleDownload)

	return s
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.logger.Info("attachments server request",
			zap.String("method", param.Method),
			zap.String("path", param.Path),
			zap.Int("status", param.StatusCode),
			zap.Duration("latency", param.Latency))
		return ""
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleDownload(c *gin.Context) {
	attachmentID := c.Param("attachmentId")
	filename := c.Param("filename")
	if attachmentID == "" || filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "attachment id and filename are required"})
		return
	}

	reader, err := s.store.Resolve(c.Request.Context(), attachmentID, filename)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
		return
	}
	defer func() { _ = reader.Close() }()

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := c.Writer.ReadFrom(reader); err != nil {
		s.logger.Error("failed to stream attachment", zap.Error(err))
	}
}

// Handler returns the underlying http.Handler for use with httptest or a
// manually-constructed *http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the server on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.server = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("attachments server failed: %w", err)
		}
		return nil
	}
}
