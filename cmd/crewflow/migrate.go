package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/crewflow/config"
	"github.com/BaSui01/crewflow/internal/migration"
)

// runMigrate dispatches the migrate subcommands: up, down, status,
// version, force.
func runMigrate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: crewflow migrate <up|down|status|version|force> [options]")
		os.Exit(1)
	}

	sub := args[0]
	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite), overrides config")
	dbURL := fs.String("db-url", "", "Database URL, overrides config")
	fs.Parse(args[1:])

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	ctx := context.Background()

	switch sub {
	case "up":
		err = cli.RunUp(ctx)
	case "down":
		err = cli.RunDown(ctx)
	case "status":
		err = cli.RunStatus(ctx)
	case "version":
		err = printMigrationVersion(ctx, migrator)
	case "force":
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: crewflow migrate force <version>")
			os.Exit(1)
		}
		var v int
		v, err = strconv.Atoi(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid version %q: %v\n", fs.Arg(0), err)
			os.Exit(1)
		}
		err = cli.RunForce(ctx, v)
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// createMigrator builds a migrator from an explicit --db-type/--db-url
// pair, falling back to the loaded configuration.
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func printMigrationVersion(ctx context.Context, migrator *migration.DefaultMigrator) error {
	version, dirty, err := migrator.Version(ctx)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Printf("version: %d (dirty)\n", version)
	} else {
		fmt.Printf("version: %d\n", version)
	}
	return nil
}
