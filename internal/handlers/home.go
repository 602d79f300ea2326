package handlers

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/google/uuid"
)

type homePageData struct {
	SessionID string
	Messages  []message
}

// HandleHome renders the chat page with the conversation of the caller's session, creating the session
// and its cookie on first visit. Assistant turns are rendered from Markdown; user turns are escaped.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	sess, err := m.session(w, r)
	if err != nil {
		m.logger.Error("Failed to create session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	history := sess.client.History()
	msgs := make([]message, len(history))
	for i, msg := range history {
		content := template.HTML(template.HTMLEscapeString(msg.Content))
		if msg.Role == models.RoleAssistant {
			content = template.HTML(sess.client.Render(msg.Content))
		}
		msgs[i] = message{
			ID:             fmt.Sprintf("%s-%d", sess.id, i),
			Role:           string(msg.Role),
			Content:        content,
			StreamingState: models.StreamingStateEnded,
		}
	}

	data := homePageData{
		SessionID: sess.id,
		Messages:  msgs,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// session returns the caller's session, creating a new one with its own client when the request
// carries no known session cookie.
func (m Main) session(w http.ResponseWriter, r *http.Request) (*session, error) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if sess, ok := m.sessions.get(c.Value); ok {
			return sess, nil
		}
	}

	cl, err := m.newClient(r.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	m.logger.Debug("New session", slog.String("session", id))

	return m.sessions.add(id, cl), nil
}
