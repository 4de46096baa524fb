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
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"promptsentry/platform/shared/logger"
)

// Run is the exported entry point for the gateway service. It wires
// configuration, the policy store, detectors, the evaluator, audit,
// and the HTTP surface, then blocks until SIGINT or SIGTERM. Optional
// collaborators (Redis, vector index, model judge, log index) that are
// unconfigured or unreachable are skipped with a warning; the gateway
// always comes up screening with at least the built-in patterns.
func Run() {
	cfg := LoadConfig()
	log := logger.New("gateway")

	if cfg.DatabaseURL == "" {
		log.Error("", "", "DATABASE_URL (or DATABASE_HOST/DATABASE_PASSWORD) is required", nil)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("", "", "opening database failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewRuleStore(db)
	if err != nil {
		log.Error("", "", "initializing rule store failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	metrics := NewGatewayMetrics()
	cache := NewTenantCache(store, cfg.CacheTTL)

	var pack *PatternPack
	if cfg.PatternPackFile != "" {
		pack, err = LoadPatternPack(cfg.PatternPackFile)
		if err != nil {
			log.Error("", "", "pattern pack failed to load, using built-ins only", map[string]interface{}{
				"file":  cfg.PatternPackFile,
				"error": err.Error(),
			})
			pack = nil
		} else {
			log.Info("", "", "pattern pack loaded", map[string]interface{}{"file": cfg.PatternPackFile})
		}
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	var embedder Embedder
	var index VectorIndex
	if cfg.EnableSimilarity && cfg.VectorIndexURL != "" {
		index = NewHTTPVectorIndex(cfg.VectorIndexURL, httpClient)
		switch cfg.EmbeddingProvider {
		case "bedrock":
			be, berr := NewBedrockEmbedder(cfg.BedrockRegion, cfg.EmbeddingModel)
			if berr != nil {
				log.Warn("", "", "bedrock embedder unavailable", map[string]interface{}{"error": berr.Error()})
			} else {
				embedder = be
			}
		default:
			if cfg.EmbeddingEndpoint != "" {
				embedder = NewHTTPEmbedder(cfg.EmbeddingEndpoint, httpClient)
			}
		}
		if embedder == nil {
			index = nil
			log.Warn("", "", "similarity disabled: no embedding back-end configured", nil)
		}
	}

	var judge ModelJudge
	switch cfg.ModelJudgeProvider {
	case "bedrock":
		bj, jerr := NewBedrockJudge(cfg.BedrockRegion, cfg.ModelJudgeModel)
		if jerr != nil {
			log.Warn("", "", "bedrock judge unavailable", map[string]interface{}{"error": jerr.Error()})
		} else {
			judge = bj
		}
	default:
		if cfg.ModelJudgeEndpoint != "" {
			judge = NewHTTPJudge(cfg.ModelJudgeEndpoint, httpClient)
		}
	}

	injThresholds := InjectionThresholds{
		Heuristic:  cfg.InjectionHeuristicThreshold,
		Similarity: cfg.InjectionSimilarityThreshold,
		Model:      cfg.InjectionModelThreshold,
	}
	var injOpts []InjectionOption
	if embedder != nil && index != nil {
		injOpts = append(injOpts, WithInjectionSimilarity(embedder, index, cfg.VectorCollection, cfg.Timeouts.Similarity))
	}
	if judge != nil {
		injOpts = append(injOpts, WithInjectionJudge(judge, cfg.Timeouts.ModelJudge))
	}

	detectors := []Detector{
		NewStaticDetector(),
		NewSecretDetector(pack),
		NewPIIDetector(pack),
		NewInjectionDetector(injThresholds, pack, injOpts...),
	}
	if embedder != nil && index != nil {
		detectors = append(detectors, NewSimilarityDetector(embedder, index, cfg.VectorCollection, cfg.SimilarityThreshold, cfg.SimilarityTopK))
	}
	if cfg.EnableML {
		var scorer TransformerScorer
		if cfg.MLScorerEndpoint != "" {
			scorer = NewHTTPScorer(cfg.MLScorerEndpoint, httpClient)
		}
		detectors = append(detectors, NewMLClassifier(cfg.MLWeights, cfg.MLThresholds, scorer))
	}

	// Completions are checked for leaks, not for injection attempts.
	responseDetectors := []Detector{
		NewStaticDetector(),
		NewSecretDetector(pack),
		NewPIIDetector(pack),
	}

	local := NewLocalEvaluator(cfg.MaxPromptLength, cfg.AllowedLanguages)
	var evaluator Evaluator = local
	var remote *RemoteEvaluator
	if cfg.EnableRemoteEvaluator && cfg.EvaluatorURL != "" {
		remote = NewRemoteEvaluator(cfg.EvaluatorURL, cfg.EvaluatorPolicyPath, cfg.EvaluatorTimeout, local, cfg.EvaluatorFailClosed)
		evaluator = remote
		log.Info("", "", "remote evaluator enabled", map[string]interface{}{
			"url":         cfg.EvaluatorURL,
			"policy_path": cfg.EvaluatorPolicyPath,
			"fail_closed": cfg.EvaluatorFailClosed,
		})
	}

	var shipper DocumentShipper
	if cfg.EnableLogShipping && cfg.LogIndexURL != "" {
		shipper = NewLogIndexClient(cfg.LogIndexURL, cfg.LogIndexName, cfg.LogIndexUsername, cfg.LogIndexPassword, 10*time.Second)
	}
	audit, err := NewAuditLogger(store, shipper, metrics, cfg.AuditQueueSize, cfg.AuditFallbackPath)
	if err != nil {
		log.Error("", "", "initializing audit logger failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	var stats *StatsRecorder
	var limiter *RateLimiter
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		ropts, rerr := redis.ParseURL(cfg.RedisURL)
		if rerr != nil {
			log.Warn("", "", "invalid REDIS_URL, stats and rate limiting disabled", map[string]interface{}{"error": rerr.Error()})
		} else {
			redisClient = redis.NewClient(ropts)
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if perr := redisClient.Ping(pingCtx).Err(); perr != nil {
				log.Warn("", "", "redis unreachable, stats and rate limiting disabled", map[string]interface{}{"error": perr.Error()})
				redisClient.Close()
				redisClient = nil
			}
			cancel()
		}
		if redisClient != nil {
			stats = NewStatsRecorder(redisClient, log)
			if cfg.EnableRateLimit {
				limiter = newRateLimiterWithClient(redisClient, cfg.RateLimitPerMin, log)
			}
		}
	}

	var blocked *BlockedPromptStore
	if embedder != nil && index != nil {
		blocked = NewBlockedPromptStore(embedder, index, cfg.VectorCollection)
		go func() {
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if serr := blocked.Seed(sctx); serr != nil {
				log.Warn("", "", "seeding blocked prompts failed", map[string]interface{}{"error": serr.Error()})
			}
		}()
	}

	engine := NewEngine(EngineOptions{
		Cache:             cache,
		Detectors:         detectors,
		ResponseDetectors: responseDetectors,
		Local:             local,
		Evaluator:         evaluator,
		Audit:             audit,
		Stats:             stats,
		Metrics:           metrics,
		Timeouts:          cfg.Timeouts,
		Log:               log,
	})

	server := NewServer(ServerOptions{
		Config:  &cfg,
		Engine:  engine,
		Store:   store,
		Cache:   cache,
		Remote:  remote,
		Blocked: blocked,
		Stats:   stats,
		Audit:   audit,
		Metrics: metrics,
		Limiter: limiter,
		Log:     log,
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(server.Routes()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestDeadline + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("", "", "gateway listening", map[string]interface{}{
			"port":      cfg.Port,
			"detectors": len(detectors),
		})
		if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			log.Error("", "", "server failed", map[string]interface{}{"error": serr.Error()})
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("", "", "server shutdown incomplete", map[string]interface{}{"error": serr.Error()})
	}
	if serr := audit.Shutdown(shutdownCtx); serr != nil {
		log.Warn("", "", "audit drain incomplete", map[string]interface{}{"error": serr.Error()})
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if serr := store.Close(); serr != nil {
		log.Warn("", "", "closing store failed", map[string]interface{}{"error": serr.Error()})
	}
	log.Info("", "", "shutdown complete", nil)
}
