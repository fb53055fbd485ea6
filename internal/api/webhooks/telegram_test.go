package webhooks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

type reply struct {
	recipient string
	text      string
}

type fakeSender struct {
	mu      sync.Mutex
	replies []reply
	err     error
	done    chan struct{}
}

func (f *fakeSender) Send(_ context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply{recipient, text})
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
	return f.err
}

func (f *fakeSender) sent() []reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reply(nil), f.replies...)
}

func newSyncHandler(sender Sender, secret string) *TelegramWebhookHandler {
	h := NewTelegramWebhookHandler(sender, secret)
	h.async = false
	return h
}

func post(h *TelegramWebhookHandler, body, secret string) *httptest.ResponseRecorder {
	r := gin.New()
	r.POST("/webhooks/telegram", h.HandleUpdate)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretTokenHeader, secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const chatIDUpdate = `{"update_id":1,"message":{"message_id":7,"text":"what-is-my-chat-id","chat":{"id":-100123,"type":"group"}}}`

// ---------------------------------------------------------------------------
// HandleUpdate
// ---------------------------------------------------------------------------

func TestHandleUpdate_RepliesWithChatID(t *testing.T) {
	sender := &fakeSender{}
	h := newSyncHandler(sender, "")

	w := post(h, chatIDUpdate, "")

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, sender.sent(), 1)
	assert.Equal(t, reply{"-100123", "-100123"}, sender.sent()[0])
}

func TestHandleUpdate_CommandIsCaseAndSpaceInsensitive(t *testing.T) {
	sender := &fakeSender{}
	h := newSyncHandler(sender, "")

	post(h, `{"update_id":2,"message":{"text":"  What-Is-My-Chat-ID \n","chat":{"id":42}}}`, "")

	require.Len(t, sender.sent(), 1)
	assert.Equal(t, "42", sender.sent()[0].recipient)
}

func TestHandleUpdate_IgnoresOtherMessages(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"other text", `{"update_id":3,"message":{"text":"hello","chat":{"id":42}}}`},
		{"no message", `{"update_id":4}`},
		{"empty text", `{"update_id":5,"message":{"text":"","chat":{"id":42}}}`},
		{"malformed", `{"update_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			w := post(newSyncHandler(sender, ""), tt.body, "")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, sender.sent())
		})
	}
}

func TestHandleUpdate_SecretToken(t *testing.T) {
	sender := &fakeSender{}
	h := newSyncHandler(sender, "s3cret")

	w := post(h, chatIDUpdate, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = post(h, chatIDUpdate, "wrong")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, sender.sent())

	post(h, chatIDUpdate, "s3cret")
	assert.Len(t, sender.sent(), 1)
}

func TestHandleUpdate_SendFailureStillOK(t *testing.T) {
	sender := &fakeSender{err: errors.New("chat not found")}
	h := newSyncHandler(sender, "")

	w := post(h, chatIDUpdate, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, sender.sent(), 1)
}

func TestHandleUpdate_AsyncReply(t *testing.T) {
	done := make(chan struct{})
	sender := &fakeSender{done: done}
	h := NewTelegramWebhookHandler(sender, "")

	w := post(h, chatIDUpdate, "")
	assert.Equal(t, http.StatusOK, w.Code)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async reply was not sent")
	}
	assert.Equal(t, "-100123", sender.sent()[0].text)
}
