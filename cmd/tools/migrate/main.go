package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-pos/internal/config"
	"github.com/noah-isme/backend-pos/internal/db"
	"github.com/noah-isme/backend-pos/internal/queue"
	"github.com/noah-isme/backend-pos/internal/security"
)

func main() {
	var (
		steps      = flag.Int("steps", 0, "migrations to apply; negative rolls back, 0 applies all pending")
		hashKey    = flag.String("hash-admin-key", "", "print the argon2id hash for an admin key and exit")
		dlqSummary = flag.Bool("dlq-summary", false, "print dead-lettered task counts per kind after migrating")
	)
	flag.Parse()

	if key := strings.TrimSpace(*hashKey); key != "" {
		hash, err := security.HashAdminKey(key)
		if err != nil {
			log.Fatalf("hash admin key: %v", err)
		}
		fmt.Fprintln(os.Stdout, hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	version, err := db.Migrate(ctx, cfg.DatabaseURL, *steps)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("schema at version %d", version)

	if !*dlqSummary {
		return
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	sizes, err := queue.NewStore(pool).QueueDlqSizeByKind(ctx)
	if err != nil {
		log.Fatalf("count dead letters: %v", err)
	}
	if len(sizes) == 0 {
		log.Println("dead letter queue is empty")
		return
	}
	kinds := make([]string, 0, len(sizes))
	for kind := range sizes {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		log.Printf("%s: %d", kind, sizes[kind])
	}
}
