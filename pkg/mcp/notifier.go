package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// SessionNotifier pushes notifications about a validation session to the
// client that owns it.
type SessionNotifier interface {
	Notify(ctx context.Context, sessionID string, payload map[string]any) error
}

// MCPNotifier implements SessionNotifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	clients   *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, clients *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, clients: clients}
}

// Notify sends a notification to the owning client.
// Best-effort: returns nil if the client is not connected.
func (n *MCPNotifier) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	clientID, ok := n.clients.SessionFor(sessionID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(clientID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// The client went away between lookup and send.
		n.clients.Remove(clientID)
		return nil
	}
	return err
}
