package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ayo6706/bounty-escrow/internal/config"
	"github.com/ayo6706/bounty-escrow/internal/db"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: migrate [up|down N|status]")
	}
	databaseURL := config.LoadDatabaseURL()

	switch args[0] {
	case "up":
		return db.MigrateUp(databaseURL)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid steps value: %w", err)
			}
			steps = n
		}
		return db.MigrateDown(databaseURL, steps)
	case "status":
		version, dirty, err := db.MigrateStatus(databaseURL)
		if err != nil {
			return err
		}
		state := "clean"
		if dirty {
			state = "dirty"
		}
		fmt.Printf("version %d (%s)\n", version, state)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
