// Package main provides cargoctl, the operator CLI for the Cargohold
// migration pipeline: batch import, audits, consistency checks, and
// remediation.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cargohold-io/cargohold/internal/cli"
)

const version = "1.0.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
