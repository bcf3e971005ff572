package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/patrickwarner/rtbconnect/internal/analytics"
	"github.com/patrickwarner/rtbconnect/internal/config"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

func main() {
	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var id string
	var dsn string
	var timeout time.Duration
	flag.StringVar(&id, "id", "", "bid request ID")
	flag.StringVar(&dsn, "dsn", "", "ClickHouse DSN")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "query timeout")
	flag.Parse()

	if id == "" {
		fmt.Fprintln(os.Stderr, "id required")
		os.Exit(1)
	}
	if dsn == "" {
		cfg := config.Load()
		dsn = cfg.ClickHouseDSN
	}

	a, err := analytics.InitClickHouse(dsn, analytics.PoolConfig{
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect clickhouse: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	auctions, err := a.GetAuctionsByRequestID(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query auctions: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(auctions); err != nil {
		fmt.Fprintf(os.Stderr, "encode auctions: %v\n", err)
		os.Exit(1)
	}
}
