package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the engine reads at startup. Values come from
// an optional YAML file, with environment variables taking precedence.
type Config struct {
	Port     int    `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	APIKey   string `yaml:"api_key"` // bearer token for the operator API, empty disables auth

	LLM   LLMConfig   `yaml:"llm"`
	Queue QueueConfig `yaml:"queue"`
	Reply ReplyConfig `yaml:"reply"`
	Decay DecayConfig `yaml:"decay"`
	Graph GraphConfig `yaml:"graph"`
}

// LLMConfig configures the OpenAI-compatible text collaborator.
type LLMConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// QueueConfig tunes the short-term queue.
type QueueConfig struct {
	// HistorySize is how many recent utterances each conversation keeps
	// after pruning; the extraction window reads up to twice this many.
	HistorySize int `yaml:"history_size"`
}

// ReplyConfig tunes the reply gate and scheduling cadence.
type ReplyConfig struct {
	Threshold            float64 `yaml:"threshold"`
	BatchIntervalMinutes int     `yaml:"batch_interval_minutes"`
	FollowupMinutes      int     `yaml:"followup_minutes"`
	DefaultPersonaPath   string  `yaml:"default_persona_path"`
}

// DecayConfig tunes the forgetting subsystem.
type DecayConfig struct {
	NodeRate         float64 `yaml:"node_rate"`
	MemoryRate       float64 `yaml:"memory_rate"`
	AssociationFloor float64 `yaml:"association_floor"`
	IntervalHours    int     `yaml:"interval_hours"`
	NodeCap          int     `yaml:"node_cap"`
	MemoryCap        int     `yaml:"memory_cap"`
}

// GraphConfig selects and configures the long-term graph backend.
type GraphConfig struct {
	Backend string      `yaml:"backend"` // "sqlite" or "neo4j"
	Neo4j   Neo4jConfig `yaml:"neo4j"`
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:     8742,
		DBPath:   "data/engram.db",
		LogLevel: "info",
		LLM: LLMConfig{
			Model:          "deepseek-chat",
			BaseURL:        "https://api.deepseek.com/v1",
			TimeoutSeconds: 60,
		},
		Queue: QueueConfig{HistorySize: 40},
		Reply: ReplyConfig{
			Threshold:            0.5,
			BatchIntervalMinutes: 30,
			FollowupMinutes:      5,
			DefaultPersonaPath:   "data/persona/default.txt",
		},
		Decay: DecayConfig{
			NodeRate:         0.01,
			MemoryRate:       0.01,
			AssociationFloor: 0.1,
			IntervalHours:    4,
			NodeCap:          1000,
			MemoryCap:        500,
		},
		Graph: GraphConfig{
			Backend: "sqlite",
			Neo4j: Neo4jConfig{
				URI:      "bolt://localhost:7687",
				Username: "neo4j",
			},
		},
	}
}

func (c *Config) applyEnv() {
	c.Port = envInt("ENGRAM_PORT", c.Port)
	c.DBPath = envStr("ENGRAM_DB_PATH", c.DBPath)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.APIKey = envStr("ENGRAM_API_KEY", c.APIKey)

	c.LLM.APIKey = envStr("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Model = envStr("LLM_MODEL", c.LLM.Model)
	c.LLM.BaseURL = envStr("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.TimeoutSeconds = envInt("LLM_TIMEOUT_SECONDS", c.LLM.TimeoutSeconds)

	c.Queue.HistorySize = envInt("QUEUE_HISTORY_SIZE", c.Queue.HistorySize)

	c.Reply.Threshold = envFloat("REPLY_THRESHOLD", c.Reply.Threshold)
	c.Reply.BatchIntervalMinutes = envInt("REPLY_BATCH_INTERVAL_MINUTES", c.Reply.BatchIntervalMinutes)
	c.Reply.FollowupMinutes = envInt("REPLY_FOLLOWUP_MINUTES", c.Reply.FollowupMinutes)

	c.Decay.NodeRate = envFloat("DECAY_NODE_RATE", c.Decay.NodeRate)
	c.Decay.MemoryRate = envFloat("DECAY_MEMORY_RATE", c.Decay.MemoryRate)
	c.Decay.IntervalHours = envInt("DECAY_INTERVAL_HOURS", c.Decay.IntervalHours)
	c.Decay.NodeCap = envInt("DECAY_NODE_CAP", c.Decay.NodeCap)
	c.Decay.MemoryCap = envInt("DECAY_MEMORY_CAP", c.Decay.MemoryCap)

	c.Graph.Backend = envStr("GRAPH_BACKEND", c.Graph.Backend)
	c.Graph.Neo4j.URI = envStr("NEO4J_URI", c.Graph.Neo4j.URI)
	c.Graph.Neo4j.Username = envStr("NEO4J_USERNAME", c.Graph.Neo4j.Username)
	c.Graph.Neo4j.Password = envStr("NEO4J_PASSWORD", c.Graph.Neo4j.Password)
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (set LLM_API_KEY)")
	}
	if c.Queue.HistorySize < 1 {
		return fmt.Errorf("queue.history_size must be positive, got %d", c.Queue.HistorySize)
	}
	if c.Reply.Threshold < 0 || c.Reply.Threshold > 1 {
		return fmt.Errorf("reply.threshold must be in [0,1], got %f", c.Reply.Threshold)
	}
	if c.Decay.NodeRate < 0 || c.Decay.NodeRate > 1 {
		return fmt.Errorf("decay.node_rate must be in [0,1], got %f", c.Decay.NodeRate)
	}
	if c.Decay.MemoryRate < 0 || c.Decay.MemoryRate > 1 {
		return fmt.Errorf("decay.memory_rate must be in [0,1], got %f", c.Decay.MemoryRate)
	}
	if c.Decay.NodeCap < 1 {
		return fmt.Errorf("decay.node_cap must be positive, got %d", c.Decay.NodeCap)
	}
	if c.Graph.Backend != "sqlite" && c.Graph.Backend != "neo4j" {
		return fmt.Errorf("graph.backend must be sqlite or neo4j, got %q", c.Graph.Backend)
	}
	return nil
}

// BatchInterval returns the idle re-processing cadence as a duration.
func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.Reply.BatchIntervalMinutes) * time.Minute
}

// FollowupInterval returns the shortened cadence used after a reply.
func (c *Config) FollowupInterval() time.Duration {
	return time.Duration(c.Reply.FollowupMinutes) * time.Minute
}

// DecayInterval returns how long a decay sweep must wait after the previous
// one.
func (c *Config) DecayInterval() time.Duration {
	return time.Duration(c.Decay.IntervalHours) * time.Hour
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
