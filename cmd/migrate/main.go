package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"signbot/internal/storage"
	"signbot/migrations"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-db path] [-keep duration] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up          Migrate to the latest version")
	fmt.Fprintln(os.Stderr, "  up-one      Migrate one version up")
	fmt.Fprintln(os.Stderr, "  down        Roll back one version")
	fmt.Fprintln(os.Stderr, "  status      Show migration status")
	fmt.Fprintln(os.Stderr, "  version     Show current version")
	fmt.Fprintln(os.Stderr, "  reset       Roll back all migrations")
	fmt.Fprintln(os.Stderr, "  prune       Delete seen revisions older than -keep")
}

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/signbot.db"), "path to sqlite database")
	keep := flag.Duration("keep", 48*time.Hour, "how long prune keeps seen revisions")
	flag.Usage = usage
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	if args[0] == "prune" {
		if err := prune(*dbPath, *keep, log); err != nil {
			log.Error("prune", "error", err)
			os.Exit(1)
		}
		return
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Error("open database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		log.Error("set dialect", "error", err)
		os.Exit(1)
	}

	switch cmd := args[0]; cmd {
	case "up":
		err = goose.Up(db, ".")
	case "up-one":
		err = goose.UpByOne(db, ".")
	case "down":
		err = goose.Down(db, ".")
	case "status":
		err = goose.Status(db, ".")
	case "version":
		err = goose.Version(db, ".")
	case "reset":
		err = goose.Reset(db, ".")
	default:
		log.Error("unknown command", "command", cmd)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

func prune(path string, keep time.Duration, log *slog.Logger) error {
	store, err := storage.NewSQLite(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.PruneSeen(context.Background(), time.Now().Add(-keep))
	if err != nil {
		return err
	}
	log.Info("pruned seen revisions", "deleted", n, "older_than", keep)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
