// Command seed loads teams and challenge slots from a YAML fixture.
//
//	seed --file fixtures/hackathon.yaml
//	seed --file fixtures/hackathon.yaml --dry-run
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/iliyamo/event-access/internal/config"
	"github.com/iliyamo/event-access/internal/database"
)

func main() {
	_ = godotenv.Load()

	var (
		file    = flag.StringP("file", "f", "", "seed YAML file")
		dryRun  = flag.Bool("dry-run", false, "validate the file without touching the database")
		migrate = flag.Bool("migrate", true, "apply the schema before seeding")
	)
	flag.Parse()
	if *file == "" {
		fail("--file is required")
	}

	f, err := os.Open(*file)
	if err != nil {
		fail("open: %v", err)
	}
	seed, err := database.ParseSeed(f)
	_ = f.Close()
	if err != nil {
		fail("%v", err)
	}
	if *dryRun {
		fmt.Printf("ok: %d teams, %d resources\n", len(seed.Teams), len(seed.Resources))
		return
	}

	cfg := config.LoadDatabase()
	db, err := database.Open(database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		fail("connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if *migrate {
		if err := database.Migrate(ctx, db); err != nil {
			fail("migrate: %v", err)
		}
	}
	if err := seed.Apply(ctx, db); err != nil {
		fail("apply: %v", err)
	}
	fmt.Printf("seeded %d teams, %d resources\n", len(seed.Teams), len(seed.Resources))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "seed: "+format+"\n", args...)
	os.Exit(1)
}
