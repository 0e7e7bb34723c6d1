package config

import (
	"fmt"
	"os"
	"strconv"
)

// ServerConfig is the process configuration read from the environment.
type ServerConfig struct {
	AppID         int64
	PrivateKey    []byte
	WebhookSecret string

	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string

	DatabaseURL string
	SQLitePath  string

	WeaviateURL   string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	AdminToken    string
	DeadLetterDir string
	Port          string
	BotName       string
	TraceStdout   bool
}

// LoadServerConfig reads the process configuration from the environment.
//
//	GITHUB_APP_ID            GitHub App ID (required)
//	GITHUB_WEBHOOK_SECRET    webhook signature secret (required)
//	GITHUB_PRIVATE_KEY       App private key in PEM format, or
//	GITHUB_PRIVATE_KEY_PATH  path to it (one is required)
//	ANTHROPIC_API_KEY        (required)
//	ANTHROPIC_MODEL          model override
//	OPENAI_API_KEY           embeddings for the vector store
//	DATABASE_URL             PostgreSQL connection string
//	SQLITE_PATH              SQLite database file (local mode)
//	WEAVIATE_URL             e.g. http://localhost:8080
//	NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD, NEO4J_DATABASE
//	ADMIN_TOKEN              bearer token for the admin API
//	DEAD_LETTER_DIR          directory for the durable dead-letter log
//	PORT                     HTTP port (default 8080)
//	BOT_NAME                 bot login (default recall)
//	OTEL_TRACES_STDOUT       "1" to print spans to stdout
func LoadServerConfig() (*ServerConfig, error) {
	return LoadServerConfigFrom(os.Getenv, os.ReadFile)
}

// LoadServerConfigFrom is LoadServerConfig over injected lookups.
func LoadServerConfigFrom(getenv func(string) string, readFile func(string) ([]byte, error)) (*ServerConfig, error) {
	cfg := &ServerConfig{
		WebhookSecret:   getenv("GITHUB_WEBHOOK_SECRET"),
		AnthropicAPIKey: getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  getenv("ANTHROPIC_MODEL"),
		OpenAIAPIKey:    getenv("OPENAI_API_KEY"),
		DatabaseURL:     getenv("DATABASE_URL"),
		SQLitePath:      getenv("SQLITE_PATH"),
		WeaviateURL:     getenv("WEAVIATE_URL"),
		Neo4jURI:        getenv("NEO4J_URI"),
		Neo4jUser:       getenv("NEO4J_USER"),
		Neo4jPassword:   getenv("NEO4J_PASSWORD"),
		Neo4jDatabase:   getenv("NEO4J_DATABASE"),
		AdminToken:      getenv("ADMIN_TOKEN"),
		DeadLetterDir:   getenv("DEAD_LETTER_DIR"),
		Port:            getenv("PORT"),
		BotName:         getenv("BOT_NAME"),
		TraceStdout:     getenv("OTEL_TRACES_STDOUT") == "1",
	}

	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}

	appIDStr := getenv("GITHUB_APP_ID")
	if appIDStr == "" {
		return nil, fmt.Errorf("GITHUB_APP_ID is required")
	}
	appID, err := strconv.ParseInt(appIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid GITHUB_APP_ID: %w", err)
	}
	cfg.AppID = appID

	if key := getenv("GITHUB_PRIVATE_KEY"); key != "" {
		cfg.PrivateKey = []byte(key)
	} else if path := getenv("GITHUB_PRIVATE_KEY_PATH"); path != "" {
		key, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", path, err)
		}
		cfg.PrivateKey = key
	} else {
		return nil, fmt.Errorf("GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_PATH is required")
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.BotName == "" {
		cfg.BotName = "recall"
	}
	if cfg.Neo4jUser == "" {
		cfg.Neo4jUser = "neo4j"
	}

	return cfg, nil
}
