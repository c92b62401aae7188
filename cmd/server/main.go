package main

import (
	"os"

	"github.com/mark3labs/mcp-go/server"
	log "github.com/sirupsen/logrus"

	"perfnorm-mcp/internal/config"
)

func main() {
	// stdout carries the MCP protocol
	log.SetOutput(os.Stderr)
	if os.Getenv("PERFNORM_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(os.Getenv("PERFNORM_CONFIG"))
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	tools, err := newToolServer(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to prepare tools")
	}

	// Create MCP server
	s := server.NewMCPServer(
		"perfnorm-profiler",
		"1.0.0",
		server.WithLogging(),
	)
	tools.register(s)

	// Start the server
	if err := server.ServeStdio(s); err != nil {
		log.WithError(err).Fatal("server error")
	}
}
