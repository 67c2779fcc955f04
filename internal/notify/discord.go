package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"phone-monitor/alerting/internal/domain"
)

type DiscordConfig struct {
	WebhookURL  string
	MinInterval time.Duration
}

type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
	limiter    *rate.Limiter
	clock      func() time.Time
}

func NewDiscordNotifier(cfg DiscordConfig) *DiscordNotifier {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		clock:      time.Now,
	}
}

func (n *DiscordNotifier) Channel() domain.Channel { return domain.ChannelDiscord }

func (n *DiscordNotifier) Enabled() bool { return n.webhookURL != "" }

func (n *DiscordNotifier) Send(ctx context.Context, device *domain.Device, msg domain.Message) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("discord rate limit: %w", err)
	}

	body, err := json.Marshal(discordWebhookPayload{Embeds: []discordEmbed{n.buildEmbed(device, msg)}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *DiscordNotifier) buildEmbed(device *domain.Device, msg domain.Message) discordEmbed {
	var fields []discordEmbedField
	if device != nil {
		fields = append(fields, discordEmbedField{Name: "Device", Value: device.Label(), Inline: true})
	}
	fields = append(fields, discordEmbedField{Name: "Type", Value: string(msg.Kind), Inline: true})

	return discordEmbed{
		Title:       truncate(msg.Subject, 256),
		Description: truncate(msg.Body, 4096),
		Color:       kindColor(msg.Kind),
		Timestamp:   n.clock().UTC().Format(time.RFC3339),
		Fields:      fields,
		Footer:      discordEmbedFooter{Text: "PhoneMonitor"},
	}
}

func kindColor(kind domain.MessageKind) int {
	switch kind {
	case domain.KindLowBattery, domain.KindOffline:
		return 0xFFA500
	case domain.KindGeofence:
		return 0x3498DB
	default:
		return 0xFF0000
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      discordEmbedFooter  `json:"footer,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}
