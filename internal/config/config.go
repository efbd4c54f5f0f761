package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Environment string `json:"environment"`
	Server      struct {
		Host       string `json:"host"`
		Port       int    `json:"port"`
		HealthPort int    `json:"healthPort"` // defaults to Port+1
		MaxClients int    `json:"maxClients"`
	} `json:"server"`
	TLS struct {
		Enabled    bool   `json:"enabled"`
		CertFile   string `json:"certFile"`
		KeyFile    string `json:"keyFile"`
		CAFile     string `json:"caFile"`
		MinVersion string `json:"minVersion"` // "1.2" or "1.3"
	} `json:"tls"`
	Auth struct {
		TokenRequired  bool     `json:"tokenRequired"`
		Secret         string   `json:"secret"`
		Algorithm      string   `json:"algorithm"` // HS256, HS384, HS512
		Issuer         string   `json:"issuer"`
		Audience       string   `json:"audience"`
		AdminKeyHashes []string `json:"adminKeyHashes"` // bcrypt hashes
	} `json:"auth"`
	RateLimit struct {
		CommandsPerSecond int `json:"commandsPerSecond"`
		BurstCooldownMs   int `json:"burstCooldownMs"`
		MaxBursts         int `json:"maxBursts"`
		BanSeconds        int `json:"banSeconds"`
		BansBeforeLongBan int `json:"bansBeforeLongBan"`
	} `json:"rateLimit"`
	Heartbeat struct {
		IntervalSeconds int `json:"intervalSeconds"`
	} `json:"heartbeat"`
	Session struct {
		FinishedTTLMinutes  int `json:"finishedTtlMinutes"`
		AbandonedTTLMinutes int `json:"abandonedTtlMinutes"`
		SweepSeconds        int `json:"sweepSeconds"`
	} `json:"session"`
	Matchmaking struct {
		TicketTTLMinutes  int `json:"ticketTtlMinutes"`
		MaxTicketsPerHost int `json:"maxTicketsPerHost"`
		SweepSeconds      int `json:"sweepSeconds"`
	} `json:"matchmaking"`
	Chat struct {
		MessagesPerSecond int `json:"messagesPerSecond"`
		MessagesPerMinute int `json:"messagesPerMinute"`
		BurstLimit        int `json:"burstLimit"`
		CooldownSeconds   int `json:"cooldownSeconds"`
		RetainedMessages  int `json:"retainedMessages"`
	} `json:"chat"`
	Stats struct {
		MongoURI string `json:"mongoUri"` // empty = in-memory store
		Database string `json:"database"`
	} `json:"stats"`
}

// Load reads config.<env>.json from CONFIG_DIR (default "configs"),
// expands ${VAR} references from the environment and applies defaults.
func Load(env string) (*Config, error) {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "configs"
	}

	filename := fmt.Sprintf("config.%s.json", env)
	configPath := filepath.Join(configDir, filename)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	configStr := expandEnvVars(string(data))

	var cfg Config
	if err := json.Unmarshal([]byte(configStr), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Environment = env
	cfg.applyDefaults()
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func GetEnv() string {
	env := os.Getenv("LIKU_ENV")
	if env == "" {
		return "dev"
	}
	return env
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.HealthPort == 0 {
		c.Server.HealthPort = c.Server.Port + 1
	}
	if c.Server.MaxClients == 0 {
		c.Server.MaxClients = 500
	}
	if c.Auth.Algorithm == "" {
		c.Auth.Algorithm = "HS256"
	}
	if c.RateLimit.CommandsPerSecond == 0 {
		c.RateLimit.CommandsPerSecond = 30
	}
	if c.RateLimit.BurstCooldownMs == 0 {
		c.RateLimit.BurstCooldownMs = 30
	}
	if c.RateLimit.MaxBursts == 0 {
		c.RateLimit.MaxBursts = 10
	}
	if c.RateLimit.BanSeconds == 0 {
		c.RateLimit.BanSeconds = 30
	}
	if c.RateLimit.BansBeforeLongBan == 0 {
		c.RateLimit.BansBeforeLongBan = 10
	}
	if c.Heartbeat.IntervalSeconds == 0 {
		c.Heartbeat.IntervalSeconds = 30
	}
	if c.Session.FinishedTTLMinutes == 0 {
		c.Session.FinishedTTLMinutes = 60
	}
	if c.Session.AbandonedTTLMinutes == 0 {
		c.Session.AbandonedTTLMinutes = 120
	}
	if c.Session.SweepSeconds == 0 {
		c.Session.SweepSeconds = 60
	}
	if c.Matchmaking.TicketTTLMinutes == 0 {
		c.Matchmaking.TicketTTLMinutes = 30
	}
	if c.Matchmaking.MaxTicketsPerHost == 0 {
		c.Matchmaking.MaxTicketsPerHost = 3
	}
	if c.Matchmaking.SweepSeconds == 0 {
		c.Matchmaking.SweepSeconds = 30
	}
	if c.Chat.MessagesPerSecond == 0 {
		c.Chat.MessagesPerSecond = 2
	}
	if c.Chat.MessagesPerMinute == 0 {
		c.Chat.MessagesPerMinute = 30
	}
	if c.Chat.BurstLimit == 0 {
		c.Chat.BurstLimit = 5
	}
	if c.Chat.CooldownSeconds == 0 {
		c.Chat.CooldownSeconds = 1
	}
	if c.Chat.RetainedMessages == 0 {
		c.Chat.RetainedMessages = 500
	}
	if c.Stats.Database == "" {
		c.Stats.Database = "liku"
	}
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}
