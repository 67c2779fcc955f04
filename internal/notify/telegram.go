package notify

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"phone-monitor/alerting/internal/domain"
)

const telegramAPI = "https://api.telegram.org"

type TelegramConfig struct {
	BotToken string
	ChatID   string
	// BaseURL overrides the Bot API host.
	BaseURL string
	// MinInterval is the minimum spacing between messages.
	MinInterval time.Duration
}

type TelegramNotifier struct {
	cfg     TelegramConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = telegramAPI
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	return &TelegramNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
	}
}

func (n *TelegramNotifier) Channel() domain.Channel { return domain.ChannelTelegram }

func (n *TelegramNotifier) Enabled() bool { return n.cfg.BotToken != "" && n.cfg.ChatID != "" }

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (n *TelegramNotifier) Send(ctx context.Context, device *domain.Device, msg domain.Message) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}

	body, err := json.Marshal(telegramMessage{
		ChatID:    n.cfg.ChatID,
		Text:      telegramText(device, msg),
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	url := strings.TrimRight(n.cfg.BaseURL, "/") + "/bot" + n.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	var out telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 || !out.OK {
		return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

func telegramText(device *domain.Device, msg domain.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(msg.Subject))
	if device != nil {
		fmt.Fprintf(&b, "Device: %s\n", html.EscapeString(device.Label()))
	}
	b.WriteString("\n")
	b.WriteString(html.EscapeString(msg.Body))
	return b.String()
}
