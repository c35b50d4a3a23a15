package notifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

type TelegramNotifier struct {
	Token  string
	ChatID string
	// BaseURL overrides the Bot API host
	BaseURL    string
	HTTPClient *http.Client
	Retries    int
	RetryDelay time.Duration
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		Token:      token,
		ChatID:     chatID,
		BaseURL:    telegramAPI,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Retries:    3,
		RetryDelay: 5 * time.Second,
	}
}

// New returns a Telegram notifier, or Nop when token or chat is empty
func New(token, chatID string) Notifier {
	if token == "" || chatID == "" {
		return Nop{}
	}
	return NewTelegramNotifier(token, chatID)
}

func (t *TelegramNotifier) send(ctx context.Context, message string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.BaseURL, "/"), t.Token)
	form := url.Values{
		"chat_id":    {t.ChatID},
		"text":       {message},
		"parse_mode": {"HTML"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram send failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// Send posts message to the chat, retrying failed requests
func (t *TelegramNotifier) Send(ctx context.Context, message string) error {
	return SendWithRetry(ctx, sendFunc(t.send), message, t.Retries, t.RetryDelay)
}

type sendFunc func(ctx context.Context, msg string) error

func (f sendFunc) Send(ctx context.Context, msg string) error { return f(ctx, msg) }
