// Package config centralizes MemForge settings: environment defaults, an
// optional YAML overlay file, and the graph-stored runtime document that can
// be flipped without a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineKind selects the graph backend.
type EngineKind string

const (
	EngineEmbedded EngineKind = "embedded"
	EngineRemote   EngineKind = "remote"
)

// Settings is the full static configuration, resolved once at startup.
type Settings struct {
	Engine  EngineKind `yaml:"engine"`
	DataDir string     `yaml:"data_dir"`
	AppName string     `yaml:"app_name"`

	// Remote engine connection.
	GraphURL      string `yaml:"graph_url"`
	GraphUser     string `yaml:"graph_user"`
	GraphPassword string `yaml:"graph_password"`

	// Extraction.
	MaxGleanings        int    `yaml:"max_gleanings"`
	CategorizationModel string `yaml:"categorization_model"`
	EmbeddingDim        int    `yaml:"embedding_dim"`

	// Retrieval tunables.
	RRFK            int     `yaml:"rrf_k"`
	ConfidenceFloor float64 `yaml:"confidence_floor"`
	ScoreNorm       float64 `yaml:"score_norm"`

	// Resolver.
	SemanticMatchThreshold float64 `yaml:"semantic_match_threshold"`
	SummaryThreshold       int     `yaml:"summary_threshold"`

	// Background extraction drain budgets.
	DrainPerItem time.Duration `yaml:"drain_per_item"`
	DrainBatch   time.Duration `yaml:"drain_batch"`

	// Worker pool width.
	MaxBackgroundTasks int `yaml:"max_background_tasks"`
}

// Load resolves settings from the environment, then applies the YAML overlay
// at MEMFORGE_CONFIG_FILE if one is set.
func Load() (*Settings, error) {
	s := &Settings{
		Engine:                 EngineKind(envOr("MEMFORGE_ENGINE", string(EngineEmbedded))),
		DataDir:                envOr("MEMFORGE_DATA_DIR", "./data"),
		AppName:                envOr("MEMFORGE_APP_NAME", "memforge"),
		GraphURL:               envOr("MEMGRAPH_URL", "localhost:9080"),
		GraphUser:              os.Getenv("MEMGRAPH_USER"),
		GraphPassword:          os.Getenv("MEMGRAPH_PASSWORD"),
		MaxGleanings:           envInt("MEMFORGE_MAX_GLEANINGS", 1),
		CategorizationModel:    envOr("MEMFORGE_CATEGORIZATION_MODEL", os.Getenv("LLM_MODEL")),
		EmbeddingDim:           envInt("MEMFORGE_EMBEDDING_DIM", 1536),
		RRFK:                   60,
		ConfidenceFloor:        0.012,
		ScoreNorm:              0.032786,
		SemanticMatchThreshold: 0.88,
		SummaryThreshold:       5,
		DrainPerItem:           3 * time.Second,
		DrainBatch:             12 * time.Second,
		MaxBackgroundTasks:     32,
	}

	if s.MaxGleanings < 0 {
		s.MaxGleanings = 0
	}
	if s.MaxGleanings > 3 {
		s.MaxGleanings = 3
	}

	if path := os.Getenv("MEMFORGE_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
	}

	if s.Engine != EngineEmbedded && s.Engine != EngineRemote {
		return nil, fmt.Errorf("unknown engine %q", s.Engine)
	}
	return s, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
