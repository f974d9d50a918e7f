package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/pflag"

	"tokengate.org/internal/migrate"
	"tokengate.org/internal/obs"
	"tokengate.org/internal/store/pg"
)

const usage = "usage: migrate [flags] up|down|seed|status"

func main() {
	var (
		dsn            = pflag.String("dsn", os.Getenv("TOKENGATE_STORAGE_DSN"), "PostgreSQL DSN")
		migrationsPath = pflag.String("migrations", "", "directory of *.up.sql/*.down.sql files (defaults to the embedded set)")
		seedsPath      = pflag.String("seeds", "", "directory of seed *.sql files")
		timeout        = pflag.Duration("timeout", 30*time.Second, "overall deadline")
		logLevel       = pflag.String("log-level", "info", "log level")
	)
	pflag.Parse()
	obs.InitLogger(*logLevel, "console")
	log := obs.Logger()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via --dsn or TOKENGATE_STORAGE_DSN")
	}
	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var migrations fs.FS = pg.Migrations()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	opts := []migrate.Option{}
	if *seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsPath)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrations, opts...)

	cmd := pflag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil && len(applied) == 0 {
			fmt.Println("nothing to apply")
		}
		printAll(applied)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Println("nothing to roll back")
			err = nil
		} else if err == nil {
			fmt.Println("rolled back", name)
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		printAll(applied)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		printAll(history)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		cancel()
		_ = store.Close()
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
}

func printAll(items []string) {
	for _, item := range items {
		fmt.Println(item)
	}
}
