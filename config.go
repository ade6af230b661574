package speccheck

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration for the SpecCheck engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.speccheck/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "speccheck".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.speccheck/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Extraction LLMConfig `json:"extraction" yaml:"extraction"`
	Judgment   LLMConfig `json:"judgment" yaml:"judgment"`
	Embedding  LLMConfig `json:"embedding" yaml:"embedding"`

	// Extraction
	ExtractRetries     int           `json:"extract_retries" yaml:"extract_retries"`
	ExtractConcurrency int           `json:"extract_concurrency" yaml:"extract_concurrency"`
	ExtractTimeout     time.Duration `json:"extract_timeout" yaml:"extract_timeout"`

	// Matching
	CandidateLimit    int           `json:"candidate_limit" yaml:"candidate_limit"`
	SearchK           int           `json:"search_k" yaml:"search_k"`
	GraphDepth        int           `json:"graph_depth" yaml:"graph_depth"`
	ReviewConcurrency int           `json:"review_concurrency" yaml:"review_concurrency"`
	JudgeTimeout      time.Duration `json:"judge_timeout" yaml:"judge_timeout"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // openai, ollama, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.speccheck/speccheck.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "speccheck",
		StorageDir: "home",
		Extraction: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Judgment: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		ExtractRetries:     2,
		ExtractConcurrency: 8,
		ExtractTimeout:     90 * time.Second,
		CandidateLimit:     8,
		SearchK:            5,
		GraphDepth:         2,
		ReviewConcurrency:  8,
		JudgeTimeout:       45 * time.Second,
		EmbeddingDim:       768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "speccheck"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".speccheck")
		return filepath.Join(dir, name+".db")
	}
}
