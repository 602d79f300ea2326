// Package backend implements the development chat backend: it relays a widget's conversation to an LLM
// and streams the reply back as plain text.
package backend

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a
// context and the conversation so far, returning an iterator that yields reply chunks and potential
// errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Server serves the /getMessageWeb endpoint.
type Server struct {
	llm    LLM
	logger *slog.Logger
}

// CORSConfig lists the browser origins allowed to call the backend. An empty list or "*" allows any
// origin.
type CORSConfig struct {
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	MaxAge         time.Duration `yaml:"maxAge"`
}

const (
	errLoggerKey = "err"

	maxRequestBody = 1 << 20
)

// NewServer creates a Server relaying conversations to llm.
func NewServer(llm LLM, logger *slog.Logger) Server {
	if logger == nil {
		logger = slog.Default()
	}
	return Server{
		llm:    llm,
		logger: logger.With(slog.String("module", "backend")),
	}
}

// Router returns the gin engine serving the backend's routes with CORS applied.
func (s Server) Router(corsCfg CORSConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())
	router.Use(cors.New(corsConfig(corsCfg)))

	router.POST("/getMessageWeb", s.HandleGetMessageWeb)
	router.OPTIONS("/getMessageWeb", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

func corsConfig(cfg CORSConfig) cors.Config {
	cc := cors.Config{
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       cfg.MaxAge,
	}
	if cc.MaxAge == 0 {
		cc.MaxAge = 12 * time.Hour
	}
	if len(cfg.AllowedOrigins) == 0 || slices.Contains(cfg.AllowedOrigins, "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = cfg.AllowedOrigins
	}
	return cc
}

func (s Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

// HandleGetMessageWeb streams the LLM's reply to the posted conversation as text/plain.
//
// The request body is a models.WebRequest. A blank message is rejected with 400. A failure before the
// first chunk is answered with 500 and the error text; once streaming began, the error text is appended
// to the stream instead, since the status is already sent.
func (s Server) HandleGetMessageWeb(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBody)

	var req models.WebRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("Invalid request", slog.String(errLoggerKey, err.Error()))
		c.String(http.StatusBadRequest, "invalid request: %v", err)
		return
	}

	msg := strings.TrimSpace(req.UserMessage)
	if msg == "" {
		c.String(http.StatusBadRequest, "No message provided")
		return
	}

	next, stop := iter.Pull2(s.llm.Chat(c.Request.Context(), conversation(msg, req.History)))
	defer stop()

	chunk, err, ok := next()
	if err != nil {
		s.logger.Error("Failed to start reply", slog.String(errLoggerKey, err.Error()))
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	for ok {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("Reply failed mid-stream", slog.String(errLoggerKey, err.Error()))
				_, _ = c.Writer.WriteString("\n\nError: " + err.Error())
				c.Writer.Flush()
			}
			return
		}
		if _, werr := c.Writer.WriteString(chunk); werr != nil {
			s.logger.Warn("Client went away", slog.String(errLoggerKey, werr.Error()))
			return
		}
		c.Writer.Flush()

		chunk, err, ok = next()
	}
}

// conversation returns the user and assistant turns of history, ending with msg as the user turn. The
// widget already sends the current turn as the last history entry; it is added when missing.
func conversation(msg string, history []models.Message) []models.Message {
	msgs := make([]models.Message, 0, len(history)+1)
	for _, m := range history {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, m)
	}

	if n := len(msgs); n == 0 || msgs[n-1].Role != models.RoleUser || strings.TrimSpace(msgs[n-1].Content) != msg {
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: msg})
	}
	return msgs
}
