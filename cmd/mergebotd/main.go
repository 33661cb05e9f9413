package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sorenmh/infrastructure-shared/mergebot/api"
	"github.com/sorenmh/infrastructure-shared/mergebot/config"
	"github.com/sorenmh/infrastructure-shared/mergebot/db"
	"github.com/sorenmh/infrastructure-shared/mergebot/deploy"
	"github.com/sorenmh/infrastructure-shared/mergebot/git"
	"github.com/sorenmh/infrastructure-shared/mergebot/registry"
	"github.com/sorenmh/infrastructure-shared/mergebot/slack"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Printf("mergebotd %s (commit: %s, built: %s)", version, commit, date)

	configPath := flag.String("config", "/etc/mergebot/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Loaded configuration for %d deployables", len(cfg.Deployables))

	// Initialize database
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	log.Printf("Database initialized at %s", cfg.Database.Path)

	// Slack client doubles as notifier and group directory
	slackClient := slack.NewClient(cfg.Slack.BaseURL, cfg.Slack.Token, cfg.Slack.ChannelID, cfg.Slack.ApprovalReaction)

	gitClient := git.NewClient(cfg.Git.WorkDir, cfg.Git.SSHKeyPath)

	reg := registry.New(cfg.Deployables)

	coordinator := deploy.NewCoordinator(reg, slackClient, slackClient, gitClient, database, cfg.ApprovalTimeout())
	coordinator.StartSweeper(30 * time.Second)
	defer coordinator.Close()

	log.Printf("Coordinator initialized (approval timeout: %s)", cfg.ApprovalTimeout())

	// Create and start API server
	server := api.NewServer(cfg, database, coordinator)

	log.Printf("Starting mergebot v%s", api.Version)

	if err := server.Run(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
