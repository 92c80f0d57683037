package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/ngoyal88/ragsearch/pkg/auth"
	"github.com/ngoyal88/ragsearch/pkg/cache"
	"github.com/ngoyal88/ragsearch/pkg/config"
	"github.com/ngoyal88/ragsearch/pkg/models"
	"github.com/ngoyal88/ragsearch/pkg/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "jwks":
		cfg := mustLoadConfig()
		handleJWKS(cfg)
	case "verify":
		cfg := mustLoadConfig()
		handleVerify(cfg)
	case "models":
		cfg := mustLoadConfig()
		handleModels(cfg)
	case "logs":
		cfg := mustLoadConfig()
		rdb := mustRedis(cfg)
		defer rdb.Close()
		handleLogs(cfg, rdb)
	case "stats":
		cfg := mustLoadConfig()
		rdb := mustRedis(cfg)
		defer rdb.Close()
		handleStats(cfg, rdb)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("rag-admin commands:")
	fmt.Println("  jwks                 List the signing key ids published by the issuer")
	fmt.Println("  verify               Verify an access token and print its claims")
	fmt.Println("     flags: -token")
	fmt.Println("  models               List model aliases and their request families")
	fmt.Println("  logs                 Show recent request logs")
	fmt.Println("     flags: -subject -model -since -limit")
	fmt.Println("  stats                Aggregate usage and cost")
	fmt.Println("     flags: -subject -model -since")
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func mustRedis(cfg *config.Config) *cache.Client {
	if cfg == nil || !cfg.Redis.Enabled {
		log.Fatal("redis is not enabled in config")
	}
	rdb, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	return rdb
}

func keySet(cfg *config.Config) *auth.KeySet {
	url := cfg.Auth.KeySetURL()
	if url == "" {
		log.Fatal("auth.issuer (or auth.region + auth.user_pool_id) is not configured")
	}
	return auth.NewKeySet(url, cfg.Auth.JWKSTTL, auth.WithHTTPClient(&http.Client{Timeout: cfg.Auth.Timeout}))
}

func handleJWKS(cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kids, err := keySet(cfg).KeyIDs(ctx)
	if err != nil {
		log.Fatalf("failed to fetch key set: %v", err)
	}
	fmt.Printf("%s\n", cfg.Auth.KeySetURL())
	for i, kid := range kids {
		fmt.Printf("%d) %s\n", i+1, kid)
	}
}

func handleVerify(cfg *config.Config) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	token := fs.String("token", "", "Access token (with or without the Bearer prefix)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}
	if *token == "" {
		log.Fatal("-token is required")
	}

	header := *token
	if len(header) < 7 || header[:7] != "Bearer " {
		header = "Bearer " + header
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	v := auth.NewVerifier(keySet(cfg), cfg.Auth.IssuerURL(), cfg.Auth.ClientID)
	claims, err := v.Verify(ctx, header)
	if err != nil {
		log.Fatalf("token rejected (%s): %v", auth.ReasonOf(err), err)
	}
	printJSON(claims)
}

func handleModels(cfg *config.Config) {
	registry := models.NewRegistry(models.Params{
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: cfg.Generation.Temperature,
	})

	aliases := make([]string, 0, len(cfg.Models.Aliases))
	for alias := range cfg.Models.Aliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		id := cfg.Models.Aliases[alias]
		family := "unsupported"
		if f, err := registry.Resolve(id); err == nil {
			family = f.Name
		}
		marker := ""
		switch alias {
		case cfg.Models.Default:
			marker = " (default)"
		case cfg.Models.Fallback:
			marker = " (fallback)"
		}
		fmt.Printf("%-16s %-48s %s%s\n", alias, id, family, marker)
	}
}

func logFilters(name string) storage.LogFilters {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	subject := fs.String("subject", "", "Only requests by this token subject")
	model := fs.String("model", "", "Only requests for this model alias")
	since := fs.Duration("since", 24*time.Hour, "How far back to look")
	limit := fs.Int("limit", 20, "Maximum records")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}
	return storage.LogFilters{
		Subject: *subject,
		Model:   *model,
		From:    time.Now().Add(-*since),
		Limit:   *limit,
	}
}

func handleLogs(cfg *config.Config, rdb *cache.Client) {
	filters := logFilters("logs")
	store := storage.NewRedisStore(rdb, time.Duration(cfg.Logging.RetentionDays)*24*time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logs, err := store.ListRequestLogs(ctx, filters)
	if err != nil {
		log.Fatalf("failed to list logs: %v", err)
	}
	if len(logs) == 0 {
		fmt.Println("No request logs found")
		return
	}
	for i, l := range logs {
		fmt.Printf("%d) %s %s model=%s k=%d matches=%d latency=%.2fms tokens=%d cost=$%.6f cache=%v fallback=%v\n",
			i+1, l.Timestamp.Format(time.RFC3339), l.ID, l.Model, l.K, len(l.MatchIDs),
			l.LatencyMS, l.PromptTokens, l.EstimatedCostUSD, l.CacheHit, l.FallbackAnswer)
	}
}

func handleStats(cfg *config.Config, rdb *cache.Client) {
	filters := logFilters("stats")
	store := storage.NewRedisStore(rdb, time.Duration(cfg.Logging.RetentionDays)*24*time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := store.GetUsageStats(ctx, filters)
	if err != nil {
		log.Fatalf("failed to compute stats: %v", err)
	}
	printJSON(stats)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
