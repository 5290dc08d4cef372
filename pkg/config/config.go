// Copyright 2024-2026 Aiku AI

// Package config loads the bridge configuration from YAML, upgrades it
// against the embedded example and applies environment overrides.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root bridge configuration.
type Config struct {
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Database  DatabaseConfig  `yaml:"database"`
	Session   SessionConfig   `yaml:"session"`
	Directory DirectoryConfig `yaml:"directory"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Media     MediaConfig     `yaml:"media"`
	// AdminAPIAddr is the listen address for the admin HTTP API. An empty
	// value disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Logging zeroconfig.Config `yaml:"logging"`
}

type WhatsAppConfig struct {
	Owner                string        `yaml:"owner"`
	QRTimeout            time.Duration `yaml:"qr_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	DeviceName           string        `yaml:"device_name"`
}

type TelegramConfig struct {
	BotToken   string   `yaml:"bot_token"`
	ChatID     int64    `yaml:"chat_id"`
	OwnerID    int64    `yaml:"owner_id"`
	LogChannel int64    `yaml:"log_channel"`
	AdminIDs   []int64  `yaml:"admin_ids"`
	APIServer  string   `yaml:"api_server"`
	Features   Features `yaml:"features"`
}

// Features toggles optional relay behaviour.
type Features struct {
	Topics           bool `yaml:"topics"`
	MediaSync        bool `yaml:"media_sync"`
	ProfilePicSync   bool `yaml:"profile_pic_sync"`
	CallLogs         bool `yaml:"call_logs"`
	StatusSync       bool `yaml:"status_sync"`
	BiDirectional    bool `yaml:"bi_directional"`
	PresenceUpdates  bool `yaml:"presence_updates"`
	ReadReceipts     bool `yaml:"read_receipts"`
	AnimatedStickers bool `yaml:"animated_stickers"`
	MirrorOutgoing   bool `yaml:"mirror_outgoing"`
}

type DatabaseConfig struct {
	URI            string        `yaml:"uri"`
	Name           string        `yaml:"name"`
	MaxPoolSize    uint64        `yaml:"max_pool_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type SessionConfig struct {
	Dir          string        `yaml:"dir"`
	SaveInterval time.Duration `yaml:"save_interval"`
	ClearOnStart bool          `yaml:"clear_on_start"`
}

type DirectoryConfig struct {
	VerifyTTL           time.Duration `yaml:"verify_ttl"`
	ContactSyncInterval time.Duration `yaml:"contact_sync_interval"`
}

type BridgeConfig struct {
	ReadReceiptDelay time.Duration `yaml:"read_receipt_delay"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	CallDedupWindow  time.Duration `yaml:"call_dedup_window"`
	StatusIndexTTL   time.Duration `yaml:"status_index_ttl"`
}

type MediaConfig struct {
	ScratchDir              string        `yaml:"scratch_dir"`
	Timeout                 time.Duration `yaml:"timeout"`
	MaxConcurrentTranscodes int64         `yaml:"max_concurrent_transcodes"`
}

// envOverrides are applied on top of the YAML file so secrets can be kept
// out of it.
type envOverrides struct {
	BotToken     string  `env:"WATG_TELEGRAM_BOT_TOKEN"`
	ChatID       int64   `env:"WATG_TELEGRAM_CHAT_ID"`
	OwnerID      int64   `env:"WATG_TELEGRAM_OWNER_ID"`
	LogChannel   int64   `env:"WATG_TELEGRAM_LOG_CHANNEL"`
	AdminIDs     []int64 `env:"WATG_TELEGRAM_ADMIN_IDS" envSeparator:","`
	Owner        string  `env:"WATG_WHATSAPP_OWNER"`
	MongoURI     string  `env:"WATG_MONGO_URI"`
	MongoDB      string  `env:"WATG_MONGO_DB"`
	SessionDir   string  `env:"WATG_SESSION_DIR"`
	AdminAPIAddr string  `env:"WATG_ADMIN_API_ADDR"`
}

var (
	ErrMissingBotToken = errors.New("telegram.bot_token is required")
	ErrMissingChatID   = errors.New("telegram.chat_id is required")
	ErrMissingMongoURI = errors.New("database.uri is required")
)

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "whatsapp", "owner")
	helper.Copy(up.Str, "whatsapp", "qr_timeout")
	helper.Copy(up.Str, "whatsapp", "reconnect_delay")
	helper.Copy(up.Int, "whatsapp", "max_reconnect_attempts")
	helper.Copy(up.Str, "whatsapp", "device_name")

	helper.Copy(up.Str, "telegram", "bot_token")
	helper.Copy(up.Int, "telegram", "chat_id")
	helper.Copy(up.Int, "telegram", "owner_id")
	helper.Copy(up.Int, "telegram", "log_channel")
	helper.Copy(up.List, "telegram", "admin_ids")
	helper.Copy(up.Str, "telegram", "api_server")
	for _, feature := range []string{
		"topics", "media_sync", "profile_pic_sync", "call_logs", "status_sync",
		"bi_directional", "presence_updates", "read_receipts", "animated_stickers",
		"mirror_outgoing",
	} {
		helper.Copy(up.Bool, "telegram", "features", feature)
	}

	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Str, "database", "name")
	helper.Copy(up.Int, "database", "max_pool_size")
	helper.Copy(up.Str, "database", "connect_timeout")

	helper.Copy(up.Str, "session", "dir")
	helper.Copy(up.Str, "session", "save_interval")
	helper.Copy(up.Bool, "session", "clear_on_start")

	helper.Copy(up.Str, "directory", "verify_ttl")
	helper.Copy(up.Str, "directory", "contact_sync_interval")

	helper.Copy(up.Str, "bridge", "read_receipt_delay")
	helper.Copy(up.Str, "bridge", "shutdown_grace")
	helper.Copy(up.Str, "bridge", "call_dedup_window")
	helper.Copy(up.Str, "bridge", "status_index_ttl")

	helper.Copy(up.Str, "media", "scratch_dir")
	helper.Copy(up.Str, "media", "timeout")
	helper.Copy(up.Int, "media", "max_concurrent_transcodes")

	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}

// Load reads the config file at path, fills in any keys missing from it with
// the defaults in ExampleConfig and applies WATG_* environment overrides. A
// missing file is not an error; the example defaults are used instead.
func Load(path string) (*Config, error) {
	// A .env next to the working directory is optional.
	_ = godotenv.Load()

	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if len(data) > 0 {
		var cfgNode yaml.Node
		if err := yaml.Unmarshal(data, &cfgNode); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		upgradeConfig(up.NewHelper(&baseNode, &cfgNode))
	}

	var cfg Config
	if err := baseNode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if ov.BotToken != "" {
		c.Telegram.BotToken = ov.BotToken
	}
	if ov.ChatID != 0 {
		c.Telegram.ChatID = ov.ChatID
	}
	if ov.OwnerID != 0 {
		c.Telegram.OwnerID = ov.OwnerID
	}
	if ov.LogChannel != 0 {
		c.Telegram.LogChannel = ov.LogChannel
	}
	if len(ov.AdminIDs) > 0 {
		c.Telegram.AdminIDs = ov.AdminIDs
	}
	if ov.Owner != "" {
		c.WhatsApp.Owner = ov.Owner
	}
	if ov.MongoURI != "" {
		c.Database.URI = ov.MongoURI
	}
	if ov.MongoDB != "" {
		c.Database.Name = ov.MongoDB
	}
	if ov.SessionDir != "" {
		c.Session.Dir = ov.SessionDir
	}
	if ov.AdminAPIAddr != "" {
		c.AdminAPIAddr = ov.AdminAPIAddr
	}
	return nil
}

// PostProcess fills derived defaults and validates required fields.
func (c *Config) PostProcess() error {
	if c.Telegram.OwnerID == 0 {
		c.Telegram.OwnerID = c.Telegram.ChatID
	}
	if c.WhatsApp.QRTimeout <= 0 {
		c.WhatsApp.QRTimeout = 30 * time.Second
	}
	if c.WhatsApp.ReconnectDelay <= 0 {
		c.WhatsApp.ReconnectDelay = 5 * time.Second
	}
	if c.WhatsApp.MaxReconnectAttempts <= 0 {
		c.WhatsApp.MaxReconnectAttempts = 5
	}
	if c.Bridge.ReadReceiptDelay <= 0 {
		c.Bridge.ReadReceiptDelay = 2 * time.Second
	}
	if c.Media.MaxConcurrentTranscodes <= 0 {
		c.Media.MaxConcurrentTranscodes = 2
	}
	if c.Session.Dir == "" {
		c.Session.Dir = "./auth_info"
	}
	return nil
}

// Validate reports configuration that would prevent the bridge from starting.
// It is separate from PostProcess so subcommands like logout can run with a
// partial config.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.BotToken == "" {
		errs = append(errs, ErrMissingBotToken)
	}
	if c.Telegram.ChatID == 0 {
		errs = append(errs, ErrMissingChatID)
	}
	if c.Database.URI == "" {
		errs = append(errs, ErrMissingMongoURI)
	}
	return errors.Join(errs...)
}

// IsAdmin reports whether the Telegram user may run bridge commands.
func (c *TelegramConfig) IsAdmin(userID int64) bool {
	if len(c.AdminIDs) == 0 {
		return true
	}
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
