package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/timevault/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

// mcpServerCmd starts the MCP server for AI coding assistant integration
var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start the MCP server for AI coding assistant integration",
	Long: `Start the MCP server that lets AI coding assistants operate the vault.

The server implements the Model Context Protocol (MCP) over stdio transport.
The agent acts as a single named account and every call is audit logged.

Available tools:
  - vault_list:      List vaults with owner, amount and unlock state
  - vault_info:      Get one vault's details
  - token_info:      Get a proof token's holder and linked vault
  - account_balance: Get an account's liquid balance
  - vault_deposit:   Lock value and mint a proof token (policy gated)
  - vault_withdraw:  Withdraw after the unlock time (policy gated)
  - token_transfer:  Transfer a proof token (policy gated)
  - token_burn:      Burn a proof token after withdrawal (policy gated)

Authentication:
  Set TIMEVAULT_ACCOUNT and TIMEVAULT_PASSPHRASE before starting the server.
  The passphrase is read once and immediately cleared from the environment.

  SECURITY NOTE: On Linux, the environment variable may briefly be visible
  via /proc/<pid>/environ before it is cleared.

Policy:
  Create <data-dir>/mcp-policy.yaml to enable mutating tools. Without a
  policy file only the read-only tools are available (deny-by-default).

Example MCP configuration for Claude Code (~/.claude.json):
  {
    "mcpServers": {
      "timevault": {
        "type": "stdio",
        "command": "/path/to/timevault",
        "args": ["mcp-server"],
        "env": {
          "TIMEVAULT_ACCOUNT": "agent",
          "TIMEVAULT_PASSPHRASE": "your-passphrase"
        }
      }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer()
	},
}

func runMCPServer() error {
	server, err := mcp.NewServer(&mcp.ServerOptions{
		DataDir: dataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
		server.Close()
	}()

	if err := server.Run(ctx); err != nil {
		// Don't report context canceled as an error
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
