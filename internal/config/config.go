// Package config holds the agent core configuration.
package config

import "time"

// Config is loaded from the environment with the AGENT prefix
// (e.g. AGENT_HTTP_PORT). Defaults follow the envconfig tags.
type Config struct {
	// Server settings
	HTTPPort int `envconfig:"HTTP_PORT" split_words:"true" default:"8080"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" split_words:"true" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" split_words:"true" default:"false"`

	// Conversation store
	DatabaseURL string `envconfig:"DATABASE_URL" split_words:"true" default:"file:agent.db?cache=shared&mode=rwc"`

	// Model provider (OpenAI-compatible endpoint)
	LLMBaseURL string        `envconfig:"LLM_BASE_URL" split_words:"true" default:"https://api.openai.com"`
	LLMAPIKey  string        `envconfig:"LLM_API_KEY" split_words:"true"`
	LLMModel   string        `envconfig:"LLM_MODEL" split_words:"true" default:"gpt-4o"`
	LLMTimeout time.Duration `envconfig:"LLM_TIMEOUT" split_words:"true" default:"60s"`

	// Upstream tool router
	RouterBaseURL string        `envconfig:"ROUTER_BASE_URL" split_words:"true" default:"https://backend.composio.dev"`
	RouterAPIKey  string        `envconfig:"ROUTER_API_KEY" split_words:"true"`
	RouterTimeout time.Duration `envconfig:"ROUTER_TIMEOUT" split_words:"true" default:"30s"`

	// External CRM collaborator
	CRMBaseURL string `envconfig:"CRM_BASE_URL" split_words:"true" default:"http://localhost:3000"`

	// Turn limits
	MaxToolRounds int           `envconfig:"MAX_TOOL_ROUNDS" split_words:"true" default:"4"`
	ToolTimeout   time.Duration `envconfig:"TOOL_TIMEOUT" split_words:"true" default:"60s"`
	TurnTimeout   time.Duration `envconfig:"TURN_TIMEOUT" split_words:"true" default:"5m"`

	// Session lifecycle
	SessionTTL         time.Duration `envconfig:"SESSION_TTL" split_words:"true" default:"24h"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" split_words:"true" default:"10m"`
	RouterCacheTTL     time.Duration `envconfig:"ROUTER_CACHE_TTL" split_words:"true" default:"30m"`
	RouterCacheMaxSize int           `envconfig:"ROUTER_CACHE_MAX_SIZE" split_words:"true" default:"1000"`
}
