package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"healthwatch/internal/config"
	"healthwatch/internal/permanent"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// ChannelSender delivers one notification payload to one configured channel.
// Params: context and self-contained payload.
// Returns: transport error; permanent-tagged errors skip retries.
type ChannelSender interface {
	ID() string
	Type() string
	Send(ctx context.Context, payload Payload) error
}

// newSender builds the transport sender for one channel config.
// Params: channel config, process-wide fallback mode, and mock failure rate.
// Returns: channel sender; a mock-mode channel replaces its transport.
func newSender(channel config.ChannelConfig, fallbackMode string, mockFailureRate float64) ChannelSender {
	mode := channel.DeliveryMode
	if mode == "" {
		mode = fallbackMode
	}
	if mode == config.DeliveryModeMock {
		return NewMockSender(channel.ID, channel.Type, mockFailureRate)
	}
	switch channel.Type {
	case config.ChannelTelegram:
		return NewTelegramSender(channel)
	case config.ChannelWebhook:
		return NewWebhookSender(channel)
	case config.ChannelMattermost:
		return NewMattermostSender(channel)
	default:
		return nil
	}
}

// TelegramSender posts notifications to the Telegram Bot API.
// Params: bot token, chat id, and API base from channel config.
// Returns: telegram channel sender.
type TelegramSender struct {
	id      string
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates a Telegram sender for one channel.
// Params: channel config with bot_token and chat_id.
// Returns: initialized sender; init errors surface as permanent on Send.
func NewTelegramSender(cfg config.ChannelConfig) *TelegramSender {
	sender := &TelegramSender{
		id:     cfg.ID,
		chatID: normalizeChatID(cfg.ChatID),
	}
	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = errors.New("telegram chat_id is required")
		return sender
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// ID returns the configured channel id.
// Params: none.
// Returns: channel id string.
func (s *TelegramSender) ID() string {
	return s.id
}

// Type returns the transport type.
// Params: none.
// Returns: static type key.
func (s *TelegramSender) Type() string {
	return config.ChannelTelegram
}

// Send posts one message to the Telegram chat.
// Params: context and payload with rendered message.
// Returns: transport error; init failures are permanent.
func (s *TelegramSender) Send(ctx context.Context, payload Payload) error {
	if s.initErr != nil {
		return permanent.Wrap(s.initErr)
	}
	if s.client == nil {
		return permanent.Wrap(errors.New("telegram client is not initialized"))
	}

	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      payload.Message,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps others as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// WebhookSender posts the JSON payload to a configured HTTP endpoint.
// Params: endpoint URL, method, timeout, and headers from channel config.
// Returns: generic webhook sender.
type WebhookSender struct {
	cfg    config.ChannelConfig
	client *http.Client
}

// NewWebhookSender creates a webhook sender for one channel.
// Params: channel config with url/method/headers.
// Returns: initialized sender.
func NewWebhookSender(cfg config.ChannelConfig) *WebhookSender {
	return &WebhookSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// ID returns the configured channel id.
// Params: none.
// Returns: channel id string.
func (s *WebhookSender) ID() string {
	return s.cfg.ID
}

// Type returns the transport type.
// Params: none.
// Returns: static type key.
func (s *WebhookSender) Type() string {
	return config.ChannelWebhook
}

// Send delivers the JSON payload to the configured endpoint.
// Params: context and payload.
// Returns: transport error; non-retryable HTTP statuses are permanent.
func (s *WebhookSender) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return permanent.Wrap(fmt.Errorf("encode webhook payload: %w", err))
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return permanent.Wrap(fmt.Errorf("build webhook request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := unexpectedHTTPStatusError("webhook", response)
		if isNonRetryableStatus(response.StatusCode) {
			return permanent.Wrap(statusErr)
		}
		return statusErr
	}
	return nil
}

// MattermostSender posts notifications to the Mattermost posts endpoint.
// Params: API base URL, bot token, and channel key from config.
// Returns: mattermost channel sender.
type MattermostSender struct {
	cfg    config.ChannelConfig
	client *http.Client
}

// NewMattermostSender creates a Mattermost sender for one channel.
// Params: channel config with base_url, bot_token, and channel_key.
// Returns: initialized sender.
func NewMattermostSender(cfg config.ChannelConfig) *MattermostSender {
	return &MattermostSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// ID returns the configured channel id.
// Params: none.
// Returns: channel id string.
func (s *MattermostSender) ID() string {
	return s.cfg.ID
}

// Type returns the transport type.
// Params: none.
// Returns: static type key.
func (s *MattermostSender) Type() string {
	return config.ChannelMattermost
}

// Send posts one formatted message to the Mattermost API.
// Params: context and payload with rendered message.
// Returns: transport error; non-retryable HTTP statuses are permanent.
func (s *MattermostSender) Send(ctx context.Context, payload Payload) error {
	post := struct {
		ChannelID string `json:"channel_id"`
		Message   string `json:"message"`
	}{
		ChannelID: strings.TrimSpace(s.cfg.ChannelKey),
		Message:   payload.Message,
	}
	body, err := json.Marshal(post)
	if err != nil {
		return permanent.Wrap(fmt.Errorf("encode mattermost payload: %w", err))
	}

	endpoint := strings.TrimRight(strings.TrimSpace(s.cfg.BaseURL), "/") + "/api/v4/posts"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return permanent.Wrap(fmt.Errorf("build mattermost request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(s.cfg.BotToken))

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("mattermost send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := unexpectedHTTPStatusError("mattermost", response)
		if isNonRetryableStatus(response.StatusCode) {
			return permanent.Wrap(statusErr)
		}
		return statusErr
	}
	return nil
}

// MockSender simulates deliveries without network calls.
// Params: channel identity and simulated failure rate.
// Returns: in-memory sender recording every accepted payload.
type MockSender struct {
	id          string
	channelType string
	failureRate float64

	mu   sync.Mutex
	rng  *rand.Rand
	sent []Payload
}

// NewMockSender creates a mock sender for one channel.
// Params: channel id/type and failure rate in [0, 1].
// Returns: initialized sender with deterministic-enough RNG.
func NewMockSender(id, channelType string, failureRate float64) *MockSender {
	return &MockSender{
		id:          id,
		channelType: channelType,
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ID returns the configured channel id.
// Params: none.
// Returns: channel id string.
func (s *MockSender) ID() string {
	return s.id
}

// Type returns the simulated transport type.
// Params: none.
// Returns: configured type key.
func (s *MockSender) Type() string {
	return s.channelType
}

// Send records the payload or fails according to the failure rate.
// Params: context and payload.
// Returns: simulated transport error at the configured rate.
func (s *MockSender) Send(_ context.Context, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failureRate > 0 && s.rng.Float64() < s.failureRate {
		return errors.New("mock delivery failure")
	}
	s.sent = append(s.sent, payload)
	return nil
}

// Sent returns all payloads accepted so far.
// Params: none.
// Returns: detached payload slice.
func (s *MockSender) Sent() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payload(nil), s.sent...)
}

// isNonRetryableStatus reports whether retrying an HTTP status is pointless.
// Params: response status code.
// Returns: true for 4xx statuses except 408 and 429.
func isNonRetryableStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

// unexpectedHTTPStatusError formats a non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
