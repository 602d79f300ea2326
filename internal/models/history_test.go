package models_test

import (
	"sync"
	"testing"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

func TestHistory(t *testing.T) {
	h := models.NewHistory(models.Message{Role: models.RoleUser, Content: "hi"})
	h.Append(models.Message{Role: models.RoleAssistant, Content: "hello"})

	msgs := h.Messages()
	if len(msgs) != 2 || h.Len() != 2 {
		t.Fatalf("Messages() = %v, want 2 messages", msgs)
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Content != "hello" {
		t.Errorf("Messages() = %v, want user then assistant", msgs)
	}

	msgs[0].Content = "changed"
	if got := h.Messages()[0].Content; got != "hi" {
		t.Errorf("Messages() returned shared storage, content = %q", got)
	}

	h.Reset()
	if h.Len() != 0 {
		t.Errorf("Len() after Reset() = %d, want 0", h.Len())
	}
}

func TestHistoryConcurrentUse(t *testing.T) {
	h := models.NewHistory()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Append(models.Message{Role: models.RoleUser, Content: "x"})
		}()
		go func() {
			defer wg.Done()
			_ = h.Messages()
		}()
	}
	wg.Wait()

	if h.Len() != 10 {
		t.Errorf("Len() = %d, want 10", h.Len())
	}
}
