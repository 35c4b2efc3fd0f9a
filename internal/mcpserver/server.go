// Package mcpserver exposes a user's SafeHold account as MCP tools so an
// assistant can check balances and move escrows along over stdio.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with every SafeHold tool registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("safehold", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCheckWallet, h.HandleCheckWallet)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolPayEscrow, h.HandlePayEscrow)
	s.AddTool(ToolConfirmPayment, h.HandleConfirmPayment)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)

	return s
}
