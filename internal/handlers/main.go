package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/streamchat"
	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Client is the streaming chat client serving one browser session. It is implemented by
// *client.Client.
type Client interface {
	SendTurn(ctx context.Context, text string, obs client.Observer) error
	History() []models.Message
	Reset() error
	Busy() bool
	Render(text string) string
}

// ClientFactory creates the client for a new browser session. pageHost is the host the chat page was
// requested on, so the factory can derive the backend address from it.
type ClientFactory func(pageHost string) (Client, error)

// Main handles the chat widget: it serves the page, starts turns on the session's client and pushes the
// rendered partial replies to the browser over server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	newClient      ClientFactory
	sessions       *sessionStore
	highlightStyle string

	// ctx bounds every streaming turn; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	sessionCookie = "chat_session"
)

// SSE event types for real-time updates.
var (
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
	closeSessionSSEType = sse.Type("closeSession")
)

// NewMain creates a new Main instance that creates one client per browser session with newClient. It
// parses the HTML templates from the embedded filesystem and prepares the SSE server; a browser
// subscribing to the topic of a pending reply is what starts that reply's turn.
func NewMain(newClient ClientFactory, highlightStyle string, logger *slog.Logger) (Main, error) {
	if newClient == nil {
		return Main{}, fmt.Errorf("client factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		streamchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := Main{
		sseSrv:         &sse.Server{},
		templates:      tmpl,
		newClient:      newClient,
		sessions:       newSessionStore(),
		highlightStyle: highlightStyle,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.With(slog.String("module", "main")),
	}
	m.sseSrv.OnSession = m.onSession

	return m, nil
}

func (m Main) onSession(s *sse.Session) (sse.Subscription, bool) {
	topics := []string{sse.DefaultTopic}

	// We create a message-specific topic if the client requests updates for a particular message
	messageID := s.Req.URL.Query().Get("message_id")
	if messageID != "" {
		topics = append(topics, messageIDTopic(messageID))

		if sess, text, ok := m.sessions.takePending(messageID); ok {
			go m.chat(sess, messageID, text)
		}
	}

	return sse.Subscription{
		Client:      s,
		LastEventID: s.LastEventID,
		Topics:      topics,
	}, true
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// Shutdown gracefully terminates the Main instance. It cancels every streaming turn, broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate. After the
// timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.cancel()

	e := &sse.Message{Type: closeSessionSSEType}
	// SSE events must carry data, so the close event sends a placeholder
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
