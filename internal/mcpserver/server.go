package mcpserver

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/b0ase/path402/apps/hashdash/internal/ledger"
	"github.com/b0ase/path402/apps/hashdash/internal/mining"
	"github.com/b0ase/path402/apps/hashdash/internal/rates"
	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
)

// DaemonInfo provides daemon-level state and actions to MCP tools.
type DaemonInfo interface {
	NodeID() string
	Uptime() time.Duration
	PeerCount() int
	WalletAddress() string
	SetMining(on bool) (changed bool, err error)
}

// Deps are the components the tools read from and drive.
type Deps struct {
	Daemon     DaemonInfo
	Rates      *rates.Manager
	Engine     *mining.Engine
	Ledger     *ledger.Ledger
	Pipeline   *settlement.Pipeline
	Difficulty *mining.DifficultyTracker
}

// MCPServer wraps the MCP protocol server with hashdash tools.
type MCPServer struct {
	server *mcp.Server
	deps   Deps
}

// New creates an MCP server with all hashdash tools registered.
func New(version string, deps Deps) *MCPServer {
	s := &MCPServer{
		deps: deps,
		server: mcp.NewServer(
			&mcp.Implementation{
				Name:    "hashdash",
				Version: version,
			},
			&mcp.ServerOptions{
				Instructions: "HashDash mining dashboard. Provides tools to inspect the effective hash rate and balance, choose hardware, cloud and pool sources, toggle mining, and request withdrawals.",
			},
		),
	}
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio, blocking until the client disconnects.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves a single session over t.
func (s *MCPServer) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}
