// SafeHold MCP server - exposes a user's escrows and wallet as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/safehold/safehold/internal/mcpserver"
)

var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("SAFEHOLD_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("SAFEHOLD_TOKEN"),
	}

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "SAFEHOLD_TOKEN is required (log in via /v1/auth/login and copy the token)")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
