package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"certeon.org/internal/migrate"
)

// migrate manages the durable record schema: attribute assignments,
// mitigation expirations and decision history.
func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("CERTEON_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "ops/migrations", "Migrations directory, with sql/ and seeds/ beneath it")
		seed    = flag.Bool("seed", false, "Apply seed data after migrating up")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CERTEON_PG_DSN")
	}
	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, filepath.Join(*dir, "sql"), filepath.Join(*dir, "seeds"))

	switch command {
	case "up":
		if err := mgr.Up(ctx); err != nil {
			log.Fatalf("migrate up: %v", err)
		}
		if *seed {
			if err := mgr.Seed(ctx); err != nil {
				log.Fatalf("seed: %v", err)
			}
		}
	case "down":
		if err := mgr.Down(ctx); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		for _, line := range history {
			fmt.Println(line)
		}
	default:
		log.Fatalf("unknown command %q (want up, down or status)", command)
	}
}
