// Package notify announces campaign events to Discord and Telegram.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/exnus/points-miner/internal/config"
	"github.com/exnus/points-miner/internal/mining"
	"github.com/exnus/points-miner/internal/storage"
	"github.com/exnus/points-miner/internal/util"
)

// MaxRetries is the number of delivery attempts per message
const MaxRetries = 3

// RetryBaseDelay is the first backoff delay, doubled on every retry
var RetryBaseDelay = 2 * time.Second

// rateLimitDelay is the pause after a 429 response
var rateLimitDelay = 5 * time.Second

// Notifier sends announcements. It implements mining.Observer.
type Notifier struct {
	mining.NopObserver

	cfg    *config.NotifyConfig
	client *http.Client
	wg     sync.WaitGroup
}

var _ mining.Observer = (*Notifier)(nil)

// NewNotifier creates a new notifier
func NewNotifier(cfg *config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (n *Notifier) discordEnabled() bool {
	return n.cfg.Enabled && n.cfg.DiscordURL != ""
}

func (n *Notifier) telegramEnabled() bool {
	return n.cfg.Enabled && n.cfg.TelegramBot != "" && n.cfg.TelegramChat != ""
}

// Close waits for in-flight deliveries
func (n *Notifier) Close() {
	n.wg.Wait()
}

func (n *Notifier) async(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// RewardClaimed announces a settled mining session
func (n *Notifier) RewardClaimed(u *storage.User, reward int64) {
	if n.discordEnabled() {
		embed := n.embed("Mining Reward Claimed", 0x00FF00,
			fmt.Sprintf("**%s** collected a mining reward", u.Username),
			DiscordField{Name: "Reward", Value: fmt.Sprintf("+%d points", reward), Inline: true},
			DiscordField{Name: "Balance", Value: fmt.Sprintf("%d points", u.Points), Inline: true},
		)
		n.async(func() { n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}}) })
	}

	if n.telegramEnabled() {
		text := fmt.Sprintf(
			"*Mining Reward Claimed*\n\n"+
				"User: `%s`\n"+
				"Reward: `+%d points`\n"+
				"Balance: `%d points`",
			u.Username, reward, u.Points,
		)
		n.async(func() { n.sendTelegramMessageWithRetry(text) })
	}
}

// ReferralBonusPaid announces a referral payout
func (n *Notifier) ReferralBonusPaid(referrer, referred string, bonus int64) {
	if n.discordEnabled() {
		embed := n.embed("Referral Bonus Paid", 0x0099FF,
			fmt.Sprintf("**%s** earned a referral bonus", util.ShortAddress(referrer)),
			DiscordField{Name: "Bonus", Value: fmt.Sprintf("+%d points", bonus), Inline: true},
			DiscordField{Name: "Referred", Value: util.ShortAddress(referred), Inline: true},
		)
		n.async(func() { n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}}) })
	}

	if n.telegramEnabled() {
		text := fmt.Sprintf(
			"*Referral Bonus Paid*\n\n"+
				"Referrer: `%s`\n"+
				"Referred: `%s`\n"+
				"Bonus: `+%d points`",
			util.ShortAddress(referrer), util.ShortAddress(referred), bonus,
		)
		n.async(func() { n.sendTelegramMessageWithRetry(text) })
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) embed(title string, color int, description string, fields ...DiscordField) DiscordEmbed {
	return DiscordEmbed{
		Title:       title,
		Description: description,
		URL:         n.cfg.CampaignURL,
		Color:       color,
		Fields:      fields,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &DiscordFooter{Text: n.cfg.CampaignName},
	}
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	if err := n.postWithRetry(n.cfg.DiscordURL, body); err != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, err)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendTelegramMessageWithRetry sends a message via the Telegram Bot API with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(n.cfg.TelegramAPI, "/"), n.cfg.TelegramBot)

	body, err := json.Marshal(TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	if err := n.postWithRetry(url, body); err != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, err)
	}
}

func (n *Notifier) postWithRetry(url string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s
			time.Sleep(RetryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			time.Sleep(rateLimitDelay)
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return lastErr
}
