// Package main provides the database migration CLI tool for Cargohold.
//
// Migrations are embedded in the binary, so deployment needs nothing beyond
// DATABASE_URL. Supported commands: up, down, status, version, drop.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		configHelp  = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *configHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	command := flag.Arg(0)

	config, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}

	defer func() {
		_ = runner.Close()
	}()

	if err := executeCommand(command, runner); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func executeCommand(command string, runner MigrationRunner) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		return runner.Drop()
	default:
		printUsage()

		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Printf(`%s - Cargohold database migration tool

Usage:
  %s [flags] <command>

Commands:
  up       Apply all pending migrations
  down     Roll back the last migration
  status   Show current migration status
  version  Show current migration version
  drop     Drop all tables (destructive)

Flags:
  -help     Show this help
  -version  Show version information

Environment:
  DATABASE_URL     PostgreSQL connection string (required)
  MIGRATION_TABLE  Migration tracking table (default: schema_migrations)
`, name, name)
}
