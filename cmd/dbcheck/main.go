package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"changefeed/internal/config"

	"github.com/jackc/pgx/v5"
)

func main() {
	limit := flag.Int("limit", 5, "number of recent events to show")
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.Postgres.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	var total, keyed int64
	conn.QueryRow(ctx, "SELECT COUNT(*), COUNT(event_key) FROM feed_events").Scan(&total, &keyed)
	fmt.Printf("--- feed_events: %d rows (%d with natural key) ---\n", total, keyed)

	rows, _ := conn.Query(ctx, `
		SELECT id, COALESCE(event_key, ''), LEFT(raw_event_data, 80), received_at
		FROM feed_events ORDER BY id DESC LIMIT $1`, *limit)
	for rows.Next() {
		var id int64
		var key, data string
		var receivedAt interface{}
		rows.Scan(&id, &key, &data, &receivedAt)
		fmt.Printf("ID: %d | Key: %s | Received: %v\n  %s\n", id, key, receivedAt, data)
	}
}
