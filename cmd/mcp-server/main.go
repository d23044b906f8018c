// Package main provides the MCP entry point for the IRT Reconciliation Engine.
// It requires no external databases: referrals come from CSV and sessions are archived in SQLite.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/irt-reconciliation-engine/internal/config"
	"github.com/irt-reconciliation-engine/internal/mcp"
	"github.com/irt-reconciliation-engine/internal/setup"
)

func main() {
	// Check for setup subcommand
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		if err := setup.NewCLI(os.Stdout).Run(os.Args[2:]); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
		return
	}

	cfg := config.LoadLiteConfig()

	// stdout carries the protocol
	log.SetOutput(os.Stderr)
	log.Printf("Starting IRT Reconciliation MCP Server, data directory: %s", cfg.DataDir)

	server, err := mcp.NewLiteServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create MCP server: %v", err)
	}
	defer server.Close()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutdown signal received, gracefully shutting down MCP server...")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("MCP server failed: %v", err)
	}

	log.Println("IRT Reconciliation MCP Server stopped")
}
