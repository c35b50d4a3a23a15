package notifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "42", r.PostForm.Get("chat_id"))
		assert.Equal(t, "hello", r.PostForm.Get("text"))
		if calls.Load() == 1 {
			http.Error(w, `{"ok":false}`, http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "42")
	n.BaseURL = srv.URL
	n.RetryDelay = time.Millisecond

	require.NoError(t, n.Send(context.Background(), "hello"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegramSendGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad chat", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "42")
	n.BaseURL = srv.URL
	n.Retries = 2
	n.RetryDelay = time.Millisecond

	err := n.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "bad chat")
}

func TestSendWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	failing := sendFunc(func(context.Context, string) error {
		cancel()
		return errors.New("down")
	})
	err := SendWithRetry(ctx, failing, "x", 5, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFallsBackToNop(t *testing.T) {
	assert.IsType(t, Nop{}, New("", "42"))
	assert.IsType(t, &TelegramNotifier{}, New("token", "42"))
	assert.NoError(t, Nop{}.Send(context.Background(), "ignored"))
}
