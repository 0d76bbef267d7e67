package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/timevault/pkg/audit"
	"github.com/forest6511/timevault/pkg/engine"
	"github.com/forest6511/timevault/pkg/service"
)

// newTestServer opens a fresh data directory with two funded accounts and
// returns a Server wired with an allow-all policy, acting as "agent".
func newTestServer(t *testing.T) *Server {
	t.Helper()
	tmpDir := t.TempDir()

	if err := service.Init(tmpDir); err != nil {
		t.Fatalf("failed to init data dir: %v", err)
	}
	svc, err := service.Open(tmpDir, audit.SourceMCP)
	if err != nil {
		t.Fatalf("failed to open data dir: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	agent, err := svc.CreateAccount("agent", testPassphrase)
	if err != nil {
		t.Fatalf("failed to create agent account: %v", err)
	}
	if _, err := svc.CreateAccount("bob", testPassphrase); err != nil {
		t.Fatalf("failed to create bob account: %v", err)
	}
	if err := svc.Fund("agent", engine.Amount(10_000_000_000)); err != nil {
		t.Fatalf("failed to fund agent: %v", err)
	}

	return &Server{
		svc:   svc,
		actor: agent.Address,
		policy: &Policy{
			Version:       1,
			DefaultAction: ActionAllow,
		},
	}
}

func TestHandleVaultList_Empty(t *testing.T) {
	server := newTestServer(t)

	ctx := context.Background()
	_, output, err := server.handleVaultList(ctx, nil, VaultListInput{})
	if err != nil {
		t.Fatalf("handleVaultList failed: %v", err)
	}
	if len(output.Vaults) != 0 {
		t.Errorf("expected 0 vaults, got %d", len(output.Vaults))
	}
}

func TestHandleVaultList_UnknownOwner(t *testing.T) {
	server := newTestServer(t)

	ctx := context.Background()
	_, _, err := server.handleVaultList(ctx, nil, VaultListInput{Owner: "nobody"})
	if err == nil {
		t.Error("expected error for unknown owner")
	}
}

func TestHandleDepositWithdrawBurnFlow(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	_, dep, err := server.handleVaultDeposit(ctx, nil, VaultDepositInput{
		Amount:   "2.5",
		UnlockIn: "50ms",
		Name:     "Test Vault",
	})
	if err != nil {
		t.Fatalf("handleVaultDeposit failed: %v", err)
	}
	if dep.VaultID != 1 || dep.TokenID != 1 {
		t.Errorf("expected vault 1 / token 1, got %d / %d", dep.VaultID, dep.TokenID)
	}
	if !strings.HasPrefix(dep.MetadataURI, "cas://sha256/") {
		t.Errorf("unexpected metadata URI: %s", dep.MetadataURI)
	}

	_, list, err := server.handleVaultList(ctx, nil, VaultListInput{Owner: "agent"})
	if err != nil {
		t.Fatalf("handleVaultList failed: %v", err)
	}
	if len(list.Vaults) != 1 {
		t.Fatalf("expected 1 vault, got %d", len(list.Vaults))
	}
	if list.Vaults[0].Amount != "2.500000000" {
		t.Errorf("unexpected amount: %s", list.Vaults[0].Amount)
	}
	if list.Vaults[0].Withdrawn {
		t.Error("vault should not be withdrawn yet")
	}

	_, info, err := server.handleVaultInfo(ctx, nil, VaultInfoInput{VaultID: 1})
	if err != nil {
		t.Fatalf("handleVaultInfo failed: %v", err)
	}
	if info.TokenID != 1 {
		t.Errorf("expected token 1, got %d", info.TokenID)
	}

	_, tok, err := server.handleTokenInfo(ctx, nil, TokenInfoInput{TokenID: 1})
	if err != nil {
		t.Fatalf("handleTokenInfo failed: %v", err)
	}
	if tok.VaultID != 1 {
		t.Errorf("expected vault 1, got %d", tok.VaultID)
	}
	if tok.Owner != string(server.actor) {
		t.Errorf("expected owner %s, got %s", server.actor, tok.Owner)
	}

	// Burn before withdrawal must be refused by the engine
	_, _, err = server.handleTokenBurn(ctx, nil, TokenBurnInput{TokenID: 1})
	if err == nil {
		t.Error("expected burn before withdrawal to fail")
	}

	time.Sleep(60 * time.Millisecond)

	_, wd, err := server.handleVaultWithdraw(ctx, nil, VaultWithdrawInput{VaultID: 1})
	if err != nil {
		t.Fatalf("handleVaultWithdraw failed: %v", err)
	}
	if wd.Amount != "2.500000000" {
		t.Errorf("unexpected withdrawn amount: %s", wd.Amount)
	}

	_, burn, err := server.handleTokenBurn(ctx, nil, TokenBurnInput{TokenID: 1})
	if err != nil {
		t.Fatalf("handleTokenBurn failed: %v", err)
	}
	if !burn.Burned {
		t.Error("expected Burned to be true")
	}

	_, _, err = server.handleTokenInfo(ctx, nil, TokenInfoInput{TokenID: 1})
	if err == nil {
		t.Error("expected error for burned token")
	}
}

func TestHandleVaultDeposit_Validation(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input VaultDepositInput
	}{
		{
			name:  "missing amount",
			input: VaultDepositInput{UnlockIn: "1h"},
		},
		{
			name:  "invalid amount",
			input: VaultDepositInput{Amount: "abc", UnlockIn: "1h"},
		},
		{
			name:  "no unlock spec",
			input: VaultDepositInput{Amount: "1"},
		},
		{
			name: "both unlock specs",
			input: VaultDepositInput{
				Amount:   "1",
				UnlockIn: "1h",
				UnlockAt: "2099-01-01",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := server.handleVaultDeposit(ctx, nil, tt.input)
			if err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestHandleVaultDeposit_PolicyDenied(t *testing.T) {
	server := newTestServer(t)
	server.policy = &Policy{
		Version:       1,
		DefaultAction: ActionDeny,
	}

	ctx := context.Background()
	_, _, err := server.handleVaultDeposit(ctx, nil, VaultDepositInput{
		Amount:   "1",
		UnlockIn: "1h",
	})
	if err == nil {
		t.Fatal("expected policy denial")
	}
	if !strings.Contains(err.Error(), "denied by policy") {
		t.Errorf("unexpected error: %v", err)
	}

	// The refusal must land in the audit log
	events, listErr := server.svc.Audit().ListEvents(10, time.Time{})
	if listErr != nil {
		t.Fatalf("ListEvents failed: %v", listErr)
	}
	found := false
	for _, e := range events {
		if e.Operation == audit.OpVaultDeposit && e.Result == audit.ResultDenied {
			found = true
		}
	}
	if !found {
		t.Error("expected a denied vault.deposit audit event")
	}
}

func TestHandleVaultDeposit_AmountCap(t *testing.T) {
	server := newTestServer(t)
	server.policy.MaxDepositAmount = 1_000_000_000 // 1.0 units

	ctx := context.Background()
	_, _, err := server.handleVaultDeposit(ctx, nil, VaultDepositInput{
		Amount:   "1.000000001",
		UnlockIn: "1h",
	})
	if err == nil {
		t.Fatal("expected deposit above policy cap to be denied")
	}
	if !strings.Contains(err.Error(), "denied by policy") {
		t.Errorf("unexpected error: %v", err)
	}

	_, out, err := server.handleVaultDeposit(ctx, nil, VaultDepositInput{
		Amount:   "1",
		UnlockIn: "1h",
	})
	if err != nil {
		t.Fatalf("deposit at the cap should succeed: %v", err)
	}
	if out.VaultID != 1 {
		t.Errorf("expected vault 1, got %d", out.VaultID)
	}
}

func TestHandleTokenTransfer(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	_, _, err := server.handleVaultDeposit(ctx, nil, VaultDepositInput{
		Amount:   "1",
		UnlockIn: "1h",
	})
	if err != nil {
		t.Fatalf("handleVaultDeposit failed: %v", err)
	}

	_, _, err = server.handleTokenTransfer(ctx, nil, TokenTransferInput{TokenID: 1})
	if err == nil {
		t.Error("expected error for missing recipient")
	}

	_, out, err := server.handleTokenTransfer(ctx, nil, TokenTransferInput{
		TokenID: 1,
		To:      "bob",
	})
	if err != nil {
		t.Fatalf("handleTokenTransfer failed: %v", err)
	}
	if out.NewOwner == string(server.actor) {
		t.Error("token should no longer belong to the agent")
	}

	_, tok, err := server.handleTokenInfo(ctx, nil, TokenInfoInput{TokenID: 1})
	if err != nil {
		t.Fatalf("handleTokenInfo failed: %v", err)
	}
	if tok.Owner != out.NewOwner {
		t.Errorf("token owner mismatch: %s != %s", tok.Owner, out.NewOwner)
	}

	// The agent no longer holds the token, so a second transfer must fail
	_, _, err = server.handleTokenTransfer(ctx, nil, TokenTransferInput{
		TokenID: 1,
		To:      "bob",
	})
	if err == nil {
		t.Error("expected transfer of a token the agent does not hold to fail")
	}
}

func TestHandleAccountBalance(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	_, _, err := server.handleAccountBalance(ctx, nil, AccountBalanceInput{})
	if err == nil {
		t.Error("expected error for empty account")
	}

	_, _, err = server.handleAccountBalance(ctx, nil, AccountBalanceInput{Account: "nobody"})
	if err == nil {
		t.Error("expected error for unknown account")
	}

	_, out, err := server.handleAccountBalance(ctx, nil, AccountBalanceInput{Account: "agent"})
	if err != nil {
		t.Fatalf("handleAccountBalance failed: %v", err)
	}
	if out.Balance != "10.000000000" {
		t.Errorf("unexpected balance: %s", out.Balance)
	}
}

func TestMutatingToolsDisabledWithoutPolicy(t *testing.T) {
	server := newTestServer(t)
	server.policy = nil
	ctx := context.Background()

	_, _, err := server.handleVaultDeposit(ctx, nil, VaultDepositInput{
		Amount:   "1",
		UnlockIn: "1h",
	})
	if err == nil {
		t.Error("expected vault_deposit to be refused without policy")
	}

	_, _, err = server.handleVaultWithdraw(ctx, nil, VaultWithdrawInput{VaultID: 1})
	if err == nil {
		t.Error("expected vault_withdraw to be refused without policy")
	}

	_, _, err = server.handleTokenTransfer(ctx, nil, TokenTransferInput{TokenID: 1, To: "bob"})
	if err == nil {
		t.Error("expected token_transfer to be refused without policy")
	}

	_, _, err = server.handleTokenBurn(ctx, nil, TokenBurnInput{TokenID: 1})
	if err == nil {
		t.Error("expected token_burn to be refused without policy")
	}

	// Read-only tools keep working
	_, _, err = server.handleVaultList(ctx, nil, VaultListInput{})
	if err != nil {
		t.Errorf("handleVaultList should work without policy: %v", err)
	}
}
