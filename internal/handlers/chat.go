package handlers

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/client"
	"github.com/MegaGrindStone/streamchat/internal/markdown"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID      string
	Role    string
	Content template.HTML

	StreamingState string
}

type errorMessage struct {
	Title  string
	Detail string
}

// HandleChats accepts a user message through HTTP POST form data and queues it as the session's next
// turn. It responds with the rendered user message and a loading placeholder for the AI reply; the
// reply starts streaming once the browser subscribes to the placeholder's SSE topic.
//
// The handler expects a "message" form field. It returns 405 for other methods, 400 for a blank
// message and 409 while the session still has a reply in flight.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	sess, err := m.session(w, r)
	if err != nil {
		m.logger.Error("Failed to create session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	aiMsgID := uuid.New().String()
	if err := m.sessions.enqueue(sess, aiMsgID, msg); err != nil {
		m.logger.Warn("Rejected message while a reply is streaming", slog.String("session", sess.id))
		http.Error(w, "A reply is still streaming", http.StatusConflict)
		return
	}

	err = m.templates.ExecuteTemplate(w, "user_message", message{
		ID:             uuid.New().String(),
		Role:           string(models.RoleUser),
		Content:        template.HTML(template.HTMLEscapeString(msg)),
		StreamingState: models.StreamingStateEnded,
	})
	if err != nil {
		m.sessions.discardPending(sess)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = m.templates.ExecuteTemplate(w, "ai_message", message{
		ID:             aiMsgID,
		Role:           string(models.RoleAssistant),
		StreamingState: models.StreamingStateLoading,
	})
	if err != nil {
		m.sessions.discardPending(sess)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleNewSession clears the session's conversation and responds with the welcome partial. It returns
// 409 while a reply is streaming.
func (m Main) HandleNewSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := m.session(w, r)
	if err != nil {
		m.logger.Error("Failed to create session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if sess.busy() {
		http.Error(w, "A reply is still streaming", http.StatusConflict)
		return
	}
	if err := sess.client.Reset(); err != nil {
		http.Error(w, "A reply is still streaming", http.StatusConflict)
		return
	}
	m.sessions.discardPending(sess)

	if err := m.templates.ExecuteTemplate(w, "welcome", nil); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSSE serves the server-sent events stream. Subscribing with a message_id of a queued reply
// starts that reply.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// HandleHighlightCSS serves the stylesheet for highlighted code blocks.
func (m Main) HandleHighlightCSS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	if err := markdown.HighlightCSS(w, m.highlightStyle); err != nil {
		m.logger.Error("Failed to write highlight css", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) chat(sess *session, messageID, text string) {
	defer sess.finish()

	topic := messageIDTopic(messageID)
	logger := m.logger.With(slog.String("session", sess.id), slog.String("messageID", messageID))

	var final string
	err := sess.client.SendTurn(m.ctx, text, client.ObserverFunc(func(e client.Event) {
		switch e.Type {
		case client.EventPartial:
			final = e.HTML
			msg := sse.Message{
				Type: messagesSSEType,
			}
			msg.AppendData(e.HTML)
			if err := m.sseSrv.Publish(&msg, topic); err != nil {
				logger.Error("Failed to publish message", slog.String(errLoggerKey, err.Error()))
			}
		case client.EventError:
			html, rerr := m.errorHTML(e.Err)
			if rerr != nil {
				logger.Error("Failed to render error message", slog.String(errLoggerKey, rerr.Error()))
				html = template.HTMLEscapeString(e.Err.Error())
			}
			final += html
		case client.EventDone:
			logger.Debug("Reply completed", slog.Int("history", len(e.History)))
		}
	}))
	if errors.Is(err, client.ErrBusy) || errors.Is(err, client.ErrEmptyMessage) {
		html, rerr := m.errorHTML(err)
		if rerr != nil {
			html = template.HTMLEscapeString(err.Error())
		}
		final = html
	}
	if err != nil {
		logger.Error("Turn failed", slog.String(errLoggerKey, err.Error()))
	}

	// The close event carries the final state so a subscriber that missed partials still ends up right.
	if final == "" {
		final = " "
	}
	e := &sse.Message{Type: closeMessageSSEType}
	e.AppendData(final)
	if err := m.sseSrv.Publish(e, topic); err != nil {
		logger.Error("Failed to publish close message", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) errorHTML(err error) (string, error) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "error_message", describeError(err)); err != nil {
		return "", fmt.Errorf("failed to execute error_message template: %w", err)
	}
	return sb.String(), nil
}

func describeError(err error) errorMessage {
	switch {
	case errors.Is(err, client.ErrRequestTimeout):
		return errorMessage{Title: "The request timed out. Please try again.", Detail: detail(err)}
	case errors.Is(err, client.ErrStreamStalled):
		return errorMessage{Title: "The response stopped arriving. Please try again.", Detail: detail(err)}
	case errors.Is(err, client.ErrServerError):
		return errorMessage{Title: "The server could not answer.", Detail: detail(err)}
	case errors.Is(err, client.ErrNetworkError):
		return errorMessage{Title: "Could not reach the server. Check your connection.", Detail: detail(err)}
	case errors.Is(err, client.ErrBusy):
		return errorMessage{Title: "Please wait for the current reply to finish."}
	}
	return errorMessage{Title: "Something went wrong.", Detail: err.Error()}
}

func detail(err error) string {
	var cerr *client.Error
	if errors.As(err, &cerr) {
		return cerr.Detail
	}
	return err.Error()
}
