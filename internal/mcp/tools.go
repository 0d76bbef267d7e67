package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forest6511/timevault/internal/cli"
	"github.com/forest6511/timevault/pkg/audit"
	"github.com/forest6511/timevault/pkg/engine"
)

// VaultDetail is the wire form of a vault's state.
type VaultDetail struct {
	VaultID    uint64 `json:"vault_id"`
	Owner      string `json:"owner"`
	Amount     string `json:"amount"`
	UnlockTime string `json:"unlock_time"`
	Unlocked   bool   `json:"unlocked"`
	Withdrawn  bool   `json:"withdrawn"`
	TokenID    uint64 `json:"token_id"`
	CreatedAt  string `json:"created_at"`
}

func vaultDetail(info engine.Info) VaultDetail {
	return VaultDetail{
		VaultID:    info.VaultID,
		Owner:      string(info.Owner),
		Amount:     cli.FormatAmount(info.Amount),
		UnlockTime: info.UnlockTime.Format(time.RFC3339),
		Unlocked:   info.Unlocked,
		Withdrawn:  info.Withdrawn,
		TokenID:    info.TokenID,
		CreatedAt:  info.CreatedAt.Format(time.RFC3339),
	}
}

// VaultListInput represents input for the vault_list tool.
type VaultListInput struct {
	// Owner limits the listing to vaults deposited by this account
	// (name or address). Empty lists everything.
	Owner string `json:"owner,omitempty"`
}

// VaultListOutput represents output for the vault_list tool.
type VaultListOutput struct {
	Vaults []VaultDetail `json:"vaults"`
}

// VaultInfoInput represents input for the vault_info tool.
type VaultInfoInput struct {
	VaultID uint64 `json:"vault_id"`
}

// TokenInfoInput represents input for the token_info tool.
type TokenInfoInput struct {
	TokenID uint64 `json:"token_id"`
}

// TokenInfoOutput represents output for the token_info tool.
type TokenInfoOutput struct {
	TokenID     uint64 `json:"token_id"`
	Owner       string `json:"owner"`
	VaultID     uint64 `json:"vault_id"`
	MetadataURI string `json:"metadata_uri,omitempty"`
}

// AccountBalanceInput represents input for the account_balance tool.
type AccountBalanceInput struct {
	Account string `json:"account"`
}

// AccountBalanceOutput represents output for the account_balance tool.
type AccountBalanceOutput struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

// VaultDepositInput represents input for the vault_deposit tool.
type VaultDepositInput struct {
	Amount      string `json:"amount"`
	UnlockIn    string `json:"unlock_in,omitempty"`
	UnlockAt    string `json:"unlock_at,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// VaultDepositOutput represents output for the vault_deposit tool.
type VaultDepositOutput struct {
	VaultID     uint64 `json:"vault_id"`
	TokenID     uint64 `json:"token_id"`
	MetadataURI string `json:"metadata_uri"`
	UnlockTime  string `json:"unlock_time"`
}

// VaultWithdrawInput represents input for the vault_withdraw tool.
type VaultWithdrawInput struct {
	VaultID uint64 `json:"vault_id"`
}

// VaultWithdrawOutput represents output for the vault_withdraw tool.
type VaultWithdrawOutput struct {
	VaultID uint64 `json:"vault_id"`
	Amount  string `json:"amount"`
}

// TokenTransferInput represents input for the token_transfer tool.
type TokenTransferInput struct {
	TokenID uint64 `json:"token_id"`
	To      string `json:"to"`
}

// TokenTransferOutput represents output for the token_transfer tool.
type TokenTransferOutput struct {
	TokenID  uint64 `json:"token_id"`
	NewOwner string `json:"new_owner"`
}

// TokenBurnInput represents input for the token_burn tool.
type TokenBurnInput struct {
	TokenID uint64 `json:"token_id"`
}

// TokenBurnOutput represents output for the token_burn tool.
type TokenBurnOutput struct {
	TokenID uint64 `json:"token_id"`
	Burned  bool   `json:"burned"`
}

// handleVaultList handles the vault_list tool call.
func (s *Server) handleVaultList(_ context.Context, _ *mcp.CallToolRequest, input VaultListInput) (*mcp.CallToolResult, VaultListOutput, error) {
	var owner engine.Identity
	if input.Owner != "" {
		resolved, err := s.svc.Resolve(input.Owner)
		if err != nil {
			return nil, VaultListOutput{}, fmt.Errorf("failed to resolve owner: %w", err)
		}
		owner = resolved
	}

	vaults := s.svc.Engine().Vaults()
	output := VaultListOutput{Vaults: make([]VaultDetail, 0, len(vaults))}
	for _, v := range vaults {
		if owner != "" && v.Owner != owner {
			continue
		}
		info, err := s.svc.Engine().VaultInfo(v.ID)
		if err != nil {
			continue
		}
		output.Vaults = append(output.Vaults, vaultDetail(info))
	}

	return nil, output, nil
}

// handleVaultInfo handles the vault_info tool call.
func (s *Server) handleVaultInfo(_ context.Context, _ *mcp.CallToolRequest, input VaultInfoInput) (*mcp.CallToolResult, VaultDetail, error) {
	info, err := s.svc.Engine().VaultInfo(input.VaultID)
	if err != nil {
		return nil, VaultDetail{}, fmt.Errorf("failed to get vault %d: %w", input.VaultID, err)
	}
	return nil, vaultDetail(info), nil
}

// handleTokenInfo handles the token_info tool call.
func (s *Server) handleTokenInfo(_ context.Context, _ *mcp.CallToolRequest, input TokenInfoInput) (*mcp.CallToolResult, TokenInfoOutput, error) {
	info, err := s.svc.Token(input.TokenID)
	if err != nil {
		return nil, TokenInfoOutput{}, fmt.Errorf("failed to get token %d: %w", input.TokenID, err)
	}
	return nil, TokenInfoOutput{
		TokenID:     info.ID,
		Owner:       string(info.Owner),
		VaultID:     info.VaultID,
		MetadataURI: info.MetadataURI,
	}, nil
}

// handleAccountBalance handles the account_balance tool call.
func (s *Server) handleAccountBalance(_ context.Context, _ *mcp.CallToolRequest, input AccountBalanceInput) (*mcp.CallToolResult, AccountBalanceOutput, error) {
	if input.Account == "" {
		return nil, AccountBalanceOutput{}, errors.New("account is required")
	}
	balance, err := s.svc.Balance(input.Account)
	if err != nil {
		return nil, AccountBalanceOutput{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return nil, AccountBalanceOutput{
		Account: input.Account,
		Balance: cli.FormatAmount(balance),
	}, nil
}

// handleVaultDeposit handles the vault_deposit tool call.
func (s *Server) handleVaultDeposit(_ context.Context, _ *mcp.CallToolRequest, input VaultDepositInput) (*mcp.CallToolResult, VaultDepositOutput, error) {
	if input.Amount == "" {
		return nil, VaultDepositOutput{}, errors.New("amount is required")
	}

	amount, err := cli.ParseAmount(input.Amount)
	if err != nil {
		return nil, VaultDepositOutput{}, fmt.Errorf("invalid amount: %w", err)
	}

	unlockTime, err := cli.ResolveUnlockTime(input.UnlockIn, input.UnlockAt, time.Now())
	if err != nil {
		return nil, VaultDepositOutput{}, fmt.Errorf("invalid unlock specification: %w", err)
	}

	rec := audit.Record{Account: string(s.actor)}
	if allowed, reason := s.checkPolicy("vault_deposit", audit.OpVaultDeposit, rec); !allowed {
		return nil, VaultDepositOutput{}, fmt.Errorf("denied by policy: %s", reason)
	}
	if allowed, reason := s.policy.CheckDepositAmount(amount); !allowed {
		_ = s.svc.Audit().LogDenied(audit.OpVaultDeposit, audit.SourceMCP, rec, reason)
		return nil, VaultDepositOutput{}, fmt.Errorf("denied by policy: %s", reason)
	}

	vaultID, tokenID, uri, err := s.svc.Deposit(string(s.actor), amount, unlockTime, input.Name, input.Description, input.Image)
	if err != nil {
		return nil, VaultDepositOutput{}, fmt.Errorf("deposit failed: %w", err)
	}

	return nil, VaultDepositOutput{
		VaultID:     vaultID,
		TokenID:     tokenID,
		MetadataURI: uri,
		UnlockTime:  unlockTime.Format(time.RFC3339),
	}, nil
}

// handleVaultWithdraw handles the vault_withdraw tool call.
func (s *Server) handleVaultWithdraw(_ context.Context, _ *mcp.CallToolRequest, input VaultWithdrawInput) (*mcp.CallToolResult, VaultWithdrawOutput, error) {
	rec := audit.Record{VaultID: input.VaultID, Account: string(s.actor)}
	if allowed, reason := s.checkPolicy("vault_withdraw", audit.OpVaultWithdraw, rec); !allowed {
		return nil, VaultWithdrawOutput{}, fmt.Errorf("denied by policy: %s", reason)
	}

	amount, err := s.svc.Withdraw(string(s.actor), input.VaultID)
	if err != nil {
		return nil, VaultWithdrawOutput{}, fmt.Errorf("withdraw failed: %w", err)
	}

	return nil, VaultWithdrawOutput{
		VaultID: input.VaultID,
		Amount:  cli.FormatAmount(amount),
	}, nil
}

// handleTokenTransfer handles the token_transfer tool call.
func (s *Server) handleTokenTransfer(_ context.Context, _ *mcp.CallToolRequest, input TokenTransferInput) (*mcp.CallToolResult, TokenTransferOutput, error) {
	if input.To == "" {
		return nil, TokenTransferOutput{}, errors.New("to is required")
	}

	rec := audit.Record{TokenID: input.TokenID, Account: string(s.actor)}
	if allowed, reason := s.checkPolicy("token_transfer", audit.OpTokenTransfer, rec); !allowed {
		return nil, TokenTransferOutput{}, fmt.Errorf("denied by policy: %s", reason)
	}

	if err := s.svc.TransferToken(string(s.actor), input.To, input.TokenID); err != nil {
		return nil, TokenTransferOutput{}, fmt.Errorf("transfer failed: %w", err)
	}

	newOwner, err := s.svc.Resolve(input.To)
	if err != nil {
		return nil, TokenTransferOutput{}, fmt.Errorf("failed to resolve recipient: %w", err)
	}

	return nil, TokenTransferOutput{
		TokenID:  input.TokenID,
		NewOwner: string(newOwner),
	}, nil
}

// handleTokenBurn handles the token_burn tool call.
func (s *Server) handleTokenBurn(_ context.Context, _ *mcp.CallToolRequest, input TokenBurnInput) (*mcp.CallToolResult, TokenBurnOutput, error) {
	rec := audit.Record{TokenID: input.TokenID, Account: string(s.actor)}
	if allowed, reason := s.checkPolicy("token_burn", audit.OpTokenBurn, rec); !allowed {
		return nil, TokenBurnOutput{}, fmt.Errorf("denied by policy: %s", reason)
	}

	if err := s.svc.Burn(string(s.actor), input.TokenID); err != nil {
		return nil, TokenBurnOutput{}, fmt.Errorf("burn failed: %w", err)
	}

	return nil, TokenBurnOutput{
		TokenID: input.TokenID,
		Burned:  true,
	}, nil
}
