// Package mcp implements the MCP (Model Context Protocol) server for timevault.
// AI agents operate the vault as a named account; mutating tools are gated by
// a local policy file and every call lands in the audit log.
package mcp

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/timevault/pkg/audit"
	"github.com/forest6511/timevault/pkg/engine"
	"github.com/forest6511/timevault/pkg/service"
)

// Server represents the MCP server for timevault.
type Server struct {
	server *mcp.Server
	svc    *service.Service
	actor  engine.Identity
	policy *Policy
}

// ServerOptions contains configuration options for the MCP server.
type ServerOptions struct {
	// DataDir is the path to the timevault data directory.
	// If empty, defaults to ~/.timevault
	DataDir string

	// Account is the account name the server acts as.
	// If empty, read from the TIMEVAULT_ACCOUNT environment variable.
	Account string

	// Passphrase authenticates the account.
	// If empty, read from TIMEVAULT_PASSPHRASE and cleared after reading.
	Passphrase string
}

// NewServer creates a new MCP server instance.
func NewServer(opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = &ServerOptions{}
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".timevault")
	}

	// Policy load failure is not fatal. With no policy every mutating tool
	// is refused, so the server still serves read-only tools.
	policy, err := LoadPolicy(dataDir)
	if err != nil {
		log.Printf("warning: failed to load MCP policy: %v", err)
		policy = nil
	}

	account := opts.Account
	if account == "" {
		account = os.Getenv("TIMEVAULT_ACCOUNT")
	}
	if account == "" {
		return nil, fmt.Errorf("no account provided: set TIMEVAULT_ACCOUNT environment variable")
	}

	passphrase := opts.Passphrase
	if passphrase == "" {
		passphrase = os.Getenv("TIMEVAULT_PASSPHRASE")
		// Clear the environment variable after reading for security
		os.Unsetenv("TIMEVAULT_PASSPHRASE")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("no passphrase provided: set TIMEVAULT_PASSPHRASE environment variable")
	}

	svc, err := service.Open(dataDir, audit.SourceMCP)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory: %w", err)
	}

	actor, err := svc.Authenticate(account, passphrase)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to authenticate account %q: %w", account, err)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "timevault",
			Version: "0.5.0",
		},
		nil,
	)

	s := &Server{
		server: mcpServer,
		svc:    svc,
		actor:  actor,
		policy: policy,
	}

	s.registerTools()

	return s, nil
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	// Read-only tools, always available
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_list",
		Description: "List all vaults with owner, amount, unlock time, withdrawal state and linked proof token.",
	}, s.handleVaultList)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_info",
		Description: "Get details for a single vault: owner, locked amount, unlock time, whether it has been withdrawn, and its proof token id.",
	}, s.handleVaultInfo)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "token_info",
		Description: "Get details for a proof-of-custody token: current holder, linked vault and metadata URI.",
	}, s.handleTokenInfo)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "account_balance",
		Description: "Get the liquid balance of an account by name or address.",
	}, s.handleAccountBalance)

	// Mutating tools, gated by the policy file
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_deposit",
		Description: "Lock an amount until an unlock time and mint the matching proof-of-custody token. Requires policy approval.",
	}, s.handleVaultDeposit)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "vault_withdraw",
		Description: "Withdraw a vault's locked amount after its unlock time. Only the original depositor may withdraw. Requires policy approval.",
	}, s.handleVaultWithdraw)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "token_transfer",
		Description: "Transfer a proof-of-custody token to another account. Requires policy approval.",
	}, s.handleTokenTransfer)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "token_burn",
		Description: "Burn a proof-of-custody token after its vault has been withdrawn. Requires policy approval.",
	}, s.handleTokenBurn)
}

// checkPolicy decides whether a mutating tool may run, recording a denied
// audit event under op when it may not.
func (s *Server) checkPolicy(tool, op string, rec audit.Record) (bool, string) {
	if s.policy == nil {
		reason := "no MCP policy loaded; mutating tools are disabled"
		_ = s.svc.Audit().LogDenied(op, audit.SourceMCP, rec, reason)
		return false, reason
	}
	allowed, reason := s.policy.IsToolAllowed(tool)
	if !allowed {
		_ = s.svc.Audit().LogDenied(op, audit.SourceMCP, rec, reason)
	}
	return allowed, reason
}

// Run starts the MCP server using stdio transport.
func (s *Server) Run(ctx context.Context) error {
	defer s.svc.Close()

	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close closes the server and the underlying data store.
func (s *Server) Close() error {
	return s.svc.Close()
}
