// Copyright 2025 PromptSentry
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DetectorTimeouts holds the per-detector fan-out budgets.
type DetectorTimeouts struct {
	Static     time.Duration
	Secret     time.Duration
	PII        time.Duration
	Injection  time.Duration // heuristic sub-check
	Similarity time.Duration
	ModelJudge time.Duration // model injection sub-check
	ML         time.Duration
}

// Config is the environment-driven runtime configuration. Every toggle
// carries a default so a bare container comes up screening with the
// built-in pattern sets.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// Remote policy evaluator (OPA-style). Empty URL disables remote mode.
	EvaluatorURL        string
	EvaluatorPolicyPath string
	EvaluatorTimeout    time.Duration
	EvaluatorFailClosed bool

	// Vector index + embedding back-end for the similarity detector.
	VectorIndexURL      string
	VectorCollection    string
	SimilarityThreshold float64
	SimilarityTopK      int
	EmbeddingProvider   string // "http" or "bedrock"
	EmbeddingEndpoint   string
	EmbeddingModel      string

	// Model judge for the injection detector's third sub-check.
	ModelJudgeProvider string // "http" or "bedrock"
	ModelJudgeEndpoint string
	ModelJudgeModel    string
	BedrockRegion      string

	// Optional remote transformer scorer for the ML ensemble. Empty means
	// the ensemble runs on its local components with renormalized weights.
	MLScorerEndpoint string

	// External log index (Elasticsearch-style) for audit shipping.
	LogIndexURL      string
	LogIndexName     string
	LogIndexUsername string
	LogIndexPassword string

	// Feature toggles.
	EnableRemoteEvaluator bool
	EnableSimilarity      bool
	EnableML              bool
	EnableLogShipping     bool
	EnableRateLimit       bool

	// Pipeline budgets and tenant defaults.
	Timeouts          DetectorTimeouts
	RequestDeadline   time.Duration
	CacheTTL          time.Duration
	MaxPromptLength   int
	AllowedLanguages  []string
	RateLimitPerMin   int
	AuditQueueSize    int
	AuditFallbackPath string

	// Pattern pack file overriding built-in detector tables (optional).
	PatternPackFile string

	// Injection sub-check thresholds.
	InjectionHeuristicThreshold  float64
	InjectionSimilarityThreshold float64
	InjectionModelThreshold      float64

	// ML ensemble weights and category thresholds.
	MLWeights    MLWeights
	MLThresholds MLThresholds

	// Admin endpoints require a bearer token when the secret is set.
	AdminJWTSecret string
}

// MLWeights are the ensemble mix for the ML classifier.
type MLWeights struct {
	Transformer float64 `yaml:"transformer"`
	Features    float64 `yaml:"features"`
	Bayes       float64 `yaml:"bayes"`
}

// MLThresholds map ensemble scores onto risk categories.
type MLThresholds struct {
	Safe     float64 `yaml:"safe"`
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// LoadConfig reads configuration from the environment. DATABASE_URL may be
// given whole or assembled from DATABASE_HOST/PORT/NAME/USER/PASSWORD parts
// (12-factor style, password URL-encoded).
func LoadConfig() Config {
	cfg := Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: databaseURLFromEnv(),
		RedisURL:    getEnv("REDIS_URL", ""),

		EvaluatorURL:        getEnv("EVALUATOR_URL", ""),
		EvaluatorPolicyPath: getEnv("EVALUATOR_POLICY_PATH", "promptsentry/decision"),
		EvaluatorTimeout:    getEnvDuration("EVALUATOR_TIMEOUT_MS", 5000*time.Millisecond),
		EvaluatorFailClosed: getEnvBool("EVALUATOR_FAIL_CLOSED", false),

		VectorIndexURL:      getEnv("VECTOR_INDEX_URL", ""),
		VectorCollection:    getEnv("VECTOR_COLLECTION", "blocked-prompts"),
		SimilarityThreshold: getEnvFloat("SIMILARITY_THRESHOLD", 0.75),
		SimilarityTopK:      getEnvInt("SIMILARITY_TOP_K", 10),
		EmbeddingProvider:   getEnv("EMBEDDING_PROVIDER", "http"),
		EmbeddingEndpoint:   getEnv("EMBEDDING_ENDPOINT", ""),
		EmbeddingModel:      getEnv("BEDROCK_EMBED_MODEL", "amazon.titan-embed-text-v1"),

		ModelJudgeProvider: getEnv("MODEL_JUDGE_PROVIDER", "http"),
		ModelJudgeEndpoint: getEnv("MODEL_JUDGE_ENDPOINT", ""),
		ModelJudgeModel:    getEnv("BEDROCK_JUDGE_MODEL", "anthropic.claude-3-haiku-20240307-v1:0"),
		BedrockRegion:      getEnv("BEDROCK_REGION", "us-east-1"),

		MLScorerEndpoint: getEnv("ML_SCORER_ENDPOINT", ""),

		LogIndexURL:      getEnv("LOG_INDEX_URL", ""),
		LogIndexName:     getEnv("LOG_INDEX_NAME", "promptsentry-decisions"),
		LogIndexUsername: getEnv("LOG_INDEX_USERNAME", ""),
		LogIndexPassword: getEnv("LOG_INDEX_PASSWORD", ""),

		Timeouts: DetectorTimeouts{
			Static:     getEnvDuration("STATIC_TIMEOUT_MS", 50*time.Millisecond),
			Secret:     getEnvDuration("SECRET_TIMEOUT_MS", 50*time.Millisecond),
			PII:        getEnvDuration("PII_TIMEOUT_MS", 50*time.Millisecond),
			Injection:  getEnvDuration("INJECTION_TIMEOUT_MS", 50*time.Millisecond),
			Similarity: getEnvDuration("SIMILARITY_TIMEOUT_MS", 300*time.Millisecond),
			ModelJudge: getEnvDuration("MODEL_JUDGE_TIMEOUT_MS", 2000*time.Millisecond),
			ML:         getEnvDuration("ML_TIMEOUT_MS", 500*time.Millisecond),
		},
		RequestDeadline:   getEnvDuration("REQUEST_DEADLINE_MS", 10*time.Second),
		CacheTTL:          time.Duration(getEnvInt("CACHE_TTL_SECONDS", 300)) * time.Second,
		MaxPromptLength:   getEnvInt("MAX_PROMPT_LENGTH", 10000),
		AllowedLanguages:  splitList(getEnv("ALLOWED_LANGUAGES", "")),
		RateLimitPerMin:   getEnvInt("RATE_LIMIT_PER_MINUTE", 600),
		AuditQueueSize:    getEnvInt("AUDIT_QUEUE_SIZE", 10000),
		AuditFallbackPath: getEnv("AUDIT_FALLBACK_PATH", "/tmp/promptsentry-audit-fallback.jsonl"),

		PatternPackFile: getEnv("PATTERN_PACK_FILE", ""),

		InjectionHeuristicThreshold:  getEnvFloat("INJECTION_HEURISTIC_THRESHOLD", 0.75),
		InjectionSimilarityThreshold: getEnvFloat("INJECTION_SIMILARITY_THRESHOLD", 0.90),
		InjectionModelThreshold:      getEnvFloat("INJECTION_MODEL_THRESHOLD", 0.90),

		MLWeights: MLWeights{
			Transformer: getEnvFloat("ML_WEIGHT_TRANSFORMER", 0.6),
			Features:    getEnvFloat("ML_WEIGHT_FEATURES", 0.25),
			Bayes:       getEnvFloat("ML_WEIGHT_BAYES", 0.15),
		},
		MLThresholds: MLThresholds{
			Safe:     getEnvFloat("ML_THRESHOLD_SAFE", 0.2),
			Low:      getEnvFloat("ML_THRESHOLD_LOW", 0.4),
			Medium:   getEnvFloat("ML_THRESHOLD_MEDIUM", 0.6),
			High:     getEnvFloat("ML_THRESHOLD_HIGH", 0.8),
			Critical: getEnvFloat("ML_THRESHOLD_CRITICAL", 0.9),
		},

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
	}

	cfg.EnableRemoteEvaluator = getEnvBool("ENABLE_REMOTE_EVALUATOR", cfg.EvaluatorURL != "")
	cfg.EnableSimilarity = getEnvBool("ENABLE_SIMILARITY", cfg.VectorIndexURL != "")
	cfg.EnableML = getEnvBool("ENABLE_ML", true)
	cfg.EnableLogShipping = getEnvBool("ENABLE_LOG_SHIPPING", cfg.LogIndexURL != "")
	cfg.EnableRateLimit = getEnvBool("ENABLE_RATE_LIMIT", false)

	return cfg
}

// databaseURLFromEnv prefers DATABASE_URL and otherwise assembles a
// connection string from the separate parts.
func databaseURLFromEnv() string {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		return dbURL
	}
	host := os.Getenv("DATABASE_HOST")
	password := os.Getenv("DATABASE_PASSWORD")
	if host == "" || password == "" {
		return ""
	}
	port := getEnv("DATABASE_PORT", "5432")
	name := getEnv("DATABASE_NAME", "promptsentry")
	user := getEnv("DATABASE_USER", "promptsentry_app")
	sslMode := getEnv("DATABASE_SSLMODE", "require")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port, name, sslMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
