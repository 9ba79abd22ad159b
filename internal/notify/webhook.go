// Package notify sends webhook alerts for stats collection outages and
// newly found blocks.
package notify

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tos-network/tos-pool-api/internal/config"
	"github.com/tos-network/tos-pool-api/internal/stats"
	"github.com/tos-network/tos-pool-api/internal/storage"
	"github.com/tos-network/tos-pool-api/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
	RateLimitDelay = 5 * time.Second
)

const defaultTelegramAPI = "https://api.telegram.org"

// Notifier handles sending notifications
type Notifier struct {
	cfg       *config.NotifyConfig
	poolName  string
	symbol    string
	coinUnits uint64
	client    *http.Client

	telegramAPI    string
	retryBaseDelay time.Duration
	rateLimitDelay time.Duration

	mu             sync.Mutex
	failures       int
	alerted        bool
	lastBlockFound string

	wg sync.WaitGroup
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *config.NotifyConfig, pool *config.PoolConfig) *Notifier {
	return &Notifier{
		cfg:       cfg,
		poolName:  pool.Name,
		symbol:    pool.Symbol,
		coinUnits: pool.CoinUnits,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		telegramAPI:    defaultTelegramAPI,
		retryBaseDelay: RetryBaseDelay,
		rateLimitDelay: RateLimitDelay,
	}
}

// Observe tracks cycle outcomes. An outage alert is sent once the number of
// consecutive failed cycles reaches the threshold, and a recovery notice on
// the first success after it. A change of lastBlockFound between two
// successful cycles announces the newest block.
func (n *Notifier) Observe(state *stats.State, err error) {
	if !n.cfg.Enabled {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err != nil {
		n.failures++
		if n.failures >= n.cfg.FailureThreshold && !n.alerted {
			n.alerted = true
			n.notifyOutage(err, n.failures)
		}
		return
	}

	if n.alerted {
		n.notifyRecovered(n.failures)
	}
	n.failures = 0
	n.alerted = false

	if state == nil || state.Snapshot == nil {
		return
	}

	last := state.Snapshot.Pool.LastBlockFound
	if last != "" && n.lastBlockFound != "" && last != n.lastBlockFound {
		if block, ok := newestBlock(state.Snapshot.Pool.Blocks); ok {
			n.notifyBlockFound(block, state.Snapshot.Network.Height)
		}
	}
	if last != "" {
		n.lastBlockFound = last
	}
}

// Wait blocks until queued notifications have been sent
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// newestBlock parses the first entry of a flat member, score block list
func newestBlock(flat []string) (storage.BlockRow, bool) {
	if len(flat) < 2 {
		return storage.BlockRow{}, false
	}
	height, err := strconv.ParseFloat(flat[1], 64)
	if err != nil {
		return storage.BlockRow{}, false
	}
	block, err := storage.ParseBlockRow(flat[0], height)
	if err != nil {
		return storage.BlockRow{}, false
	}
	return block, true
}

func (n *Notifier) dispatch(embed DiscordEmbed, text string) {
	if n.cfg.DiscordURL != "" {
		if n.cfg.PoolURL != "" {
			embed.URL = n.cfg.PoolURL
		}
		embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
		embed.Footer = &DiscordFooter{Text: n.poolName}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
		}()
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendTelegramMessageWithRetry(text)
		}()
	}
}

func (n *Notifier) notifyOutage(err error, failures int) {
	util.Warnf("Stats collection failing for %d cycles, sending alert", failures)

	embed := DiscordEmbed{
		Title:       "Stats Collection Failing",
		Description: fmt.Sprintf("**%s** API cannot refresh pool stats", n.poolName),
		Color:       0xFF0000, // Red
		Fields: []DiscordField{
			{Name: "Failed cycles", Value: strconv.Itoa(failures), Inline: true},
			{Name: "Error", Value: err.Error(), Inline: false},
		},
	}
	text := fmt.Sprintf(
		"*Stats Collection Failing*\n\n"+
			"Failed cycles: `%d`\n"+
			"Error: `%s`",
		failures, err.Error(),
	)
	n.dispatch(embed, text)
}

func (n *Notifier) notifyRecovered(failures int) {
	util.Infof("Stats collection recovered after %d failed cycles", failures)

	embed := DiscordEmbed{
		Title:       "Stats Collection Recovered",
		Description: fmt.Sprintf("**%s** API is serving fresh stats again", n.poolName),
		Color:       0x00FF00, // Green
		Fields: []DiscordField{
			{Name: "Failed cycles", Value: strconv.Itoa(failures), Inline: true},
		},
	}
	text := fmt.Sprintf("*Stats Collection Recovered*\n\nFailed cycles: `%d`", failures)
	n.dispatch(embed, text)
}

func (n *Notifier) notifyBlockFound(block storage.BlockRow, networkHeight uint64) {
	var effort float64
	if block.Difficulty > 0 {
		effort = float64(block.Shares) / float64(block.Difficulty) * 100
	}

	fields := []DiscordField{
		{Name: "Height", Value: strconv.FormatUint(block.Height, 10), Inline: true},
		{Name: "Effort", Value: fmt.Sprintf("%.2f%%", effort), Inline: true},
	}
	text := fmt.Sprintf(
		"*Block Found!*\n\n"+
			"Height: `%d`\n"+
			"Effort: `%.2f%%`\n",
		block.Height, effort,
	)

	if block.Reward != nil && n.coinUnits > 0 {
		reward := fmt.Sprintf("%.4f %s", float64(*block.Reward)/float64(n.coinUnits), n.symbol)
		fields = append(fields, DiscordField{Name: "Reward", Value: reward, Inline: true})
		text += fmt.Sprintf("Reward: `%s`\n", reward)
	}
	if networkHeight > block.Height {
		fields = append(fields, DiscordField{Name: "Confirmations", Value: strconv.FormatUint(networkHeight-block.Height, 10), Inline: true})
	}
	fields = append(fields, DiscordField{Name: "Hash", Value: truncateHash(block.Hash), Inline: false})
	text += fmt.Sprintf("Hash: `%s`", truncateHash(block.Hash))

	embed := DiscordEmbed{
		Title:       "Block Found!",
		Description: fmt.Sprintf("**%s** found a new block!", n.poolName),
		Color:       0x0099FF, // Blue
		Fields:      fields,
	}
	n.dispatch(embed, text)
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

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := sonic.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	if err := n.postWithRetry(n.cfg.DiscordURL, body); err != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, err)
	}
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramAPI, n.cfg.TelegramBot)

	body, err := sonic.Marshal(TelegramMessage{
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
			// Exponential backoff: 2s, 4s, 8s
			time.Sleep(n.retryBaseDelay * time.Duration(1<<uint(attempt-1)))
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

		// Rate limited - wait longer
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limited")
			time.Sleep(n.rateLimitDelay)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}
	return lastErr
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
