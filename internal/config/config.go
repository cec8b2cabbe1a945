// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Feed kinds.
const (
	FeedEventStream = "eventstream"
	FeedRSS         = "rss"
)

// Config holds the application configuration.
type Config struct {
	WikiAPIURL  string
	WikiUser    string
	WikiPass    string
	ServerName  string
	UserAgent   string
	Timezone    string
	EditSpacing time.Duration

	FeedKind       string
	EventStreamURL string
	FeedTimeout    time.Duration
	PollInterval   time.Duration

	MaxWorkers    int
	GracePeriod   time.Duration
	FrequentPages []string

	ExcludeRegexPage string
	OptInTemplate    string
	OptOutTemplate   string
	DiscussionPrefix string

	DatabasePath   string
	RedisURL       string
	ThrottlePrefix string

	LogLevel    string
	MetricsAddr string

	TelegramBotToken string
	AllowedUsers     []int64
	AlertChatID      int64
}

// LoadDotEnv reads a .env file into the process environment when present.
// Variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	apiURL := os.Getenv("WIKI_API_URL")
	if apiURL == "" {
		return nil, fmt.Errorf("WIKI_API_URL is required")
	}
	user := os.Getenv("WIKI_USERNAME")
	pass := os.Getenv("WIKI_PASSWORD")
	if user == "" || pass == "" {
		return nil, fmt.Errorf("WIKI_USERNAME and WIKI_PASSWORD are required")
	}

	cfg := &Config{
		WikiAPIURL:       apiURL,
		WikiUser:         user,
		WikiPass:         pass,
		ServerName:       os.Getenv("WIKI_SERVER_NAME"),
		UserAgent:        getenv("USER_AGENT", "SignBot/1.0"),
		Timezone:         getenv("TIMEZONE", "UTC"),
		FeedKind:         strings.ToLower(getenv("FEED_KIND", FeedEventStream)),
		EventStreamURL:   getenv("EVENTSTREAM_URL", "https://stream.wikimedia.org/v2/stream/recentchange"),
		ExcludeRegexPage: getenv("EXCLUDE_REGEX_PAGE", "User:SignBot/exclude_regex"),
		OptInTemplate:    getenv("OPTIN_TEMPLATE", "Template:YesAutosign"),
		OptOutTemplate:   getenv("OPTOUT_TEMPLATE", "Template:NoAutosign"),
		DiscussionPrefix: getenv("DISCUSSION_PREFIX", "Commons:Deletion requests/"),
		DatabasePath:     getenv("DATABASE_PATH", "./data/signbot.db"),
		RedisURL:         os.Getenv("REDIS_URL"),
		ThrottlePrefix:   getenv("THROTTLE_PREFIX", "signbot"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		MetricsAddr:      os.Getenv("METRICS_ADDR"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		FrequentPages:    splitList(os.Getenv("FREQUENT_PAGES"), "|"),
	}

	if cfg.FeedKind != FeedEventStream && cfg.FeedKind != FeedRSS {
		return nil, fmt.Errorf("invalid FEED_KIND %q, use %s or %s", cfg.FeedKind, FeedEventStream, FeedRSS)
	}
	if cfg.FeedKind == FeedEventStream && cfg.ServerName == "" {
		return nil, fmt.Errorf("WIKI_SERVER_NAME is required for the %s feed", FeedEventStream)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}

	var err error
	if cfg.FeedTimeout, err = getenvPositiveDuration("FEED_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getenvPositiveDuration("POLL_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.GracePeriod, err = getenvDuration("GRACE_PERIOD", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.EditSpacing, err = getenvDuration("EDIT_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}

	cfg.MaxWorkers = 32
	if raw := os.Getenv("MAX_WORKERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("MAX_WORKERS must be a positive integer, got %q", raw)
		}
		cfg.MaxWorkers = n
	}

	for _, s := range splitList(os.Getenv("ALLOWED_USERS"), ",") {
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		cfg.AllowedUsers = append(cfg.AllowedUsers, uid)
	}

	if raw := os.Getenv("ALERT_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ALERT_CHAT_ID %q: %w", raw, err)
		}
		cfg.AlertChatID = id
	}

	return cfg, nil
}

// Location returns the reference time zone for signature timestamps.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsUserAllowed checks whether a Telegram user ID may use the operator console.
// An empty allow list denies everyone, since the console can pause the bot.
func (c *Config) IsUserAllowed(userID int64) bool {
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a non-negative duration like 60s", key, raw)
	}
	return d, nil
}

func getenvPositiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	d, err := getenvDuration(key, fallback)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return d, nil
}

func splitList(raw, sep string) []string {
	var out []string
	for _, s := range strings.Split(raw, sep) {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
