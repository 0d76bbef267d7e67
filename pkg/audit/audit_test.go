package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/timevault/pkg/engine"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	if logger.path != tmpDir {
		t.Errorf("expected path %s, got %s", tmpDir, logger.path)
	}
	if logger.prevHash != "genesis" {
		t.Errorf("expected prevHash 'genesis', got %s", logger.prevHash)
	}
	if logger.sessionID == "" {
		t.Error("expected non-empty sessionID")
	}
}

func TestSetHMACKey(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)

	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	if !logger.hmacKeySet {
		t.Error("expected hmacKeySet to be true")
	}
	if len(logger.hmacKey) != 32 {
		t.Errorf("expected hmacKey length 32, got %d", len(logger.hmacKey))
	}
}

func TestLogWithoutHMACKey(t *testing.T) {
	logger := NewLogger(t.TempDir())

	err := logger.Log(OpVaultDeposit, SourceCLI, ResultSuccess, Record{VaultID: 1}, nil, nil)
	if err == nil {
		t.Error("expected error when logging without HMAC key")
	}
}

func TestLogSuccess(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)

	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	err := logger.LogSuccess(OpVaultDeposit, SourceCLI, Record{VaultID: 1, TokenID: 1, Account: "tvabc"})
	if err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	// Verify log file was created
	files, err := filepath.Glob(filepath.Join(tmpDir, "*.jsonl"))
	if err != nil {
		t.Fatalf("failed to list log files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(files))
	}

	// Read and parse the log entry
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var event Event
	if err := json.Unmarshal(data[:len(data)-1], &event); err != nil { // -1 to remove trailing newline
		t.Fatalf("failed to parse log entry: %v", err)
	}

	if event.Version != 1 {
		t.Errorf("expected version 1, got %d", event.Version)
	}
	if event.Operation != OpVaultDeposit {
		t.Errorf("expected operation %s, got %s", OpVaultDeposit, event.Operation)
	}
	if event.VaultID != 1 || event.TokenID != 1 {
		t.Errorf("expected vault/token 1/1, got %d/%d", event.VaultID, event.TokenID)
	}
	if event.Account == "" || event.Account == "tvabc" {
		t.Errorf("expected HMACed account, got %q", event.Account)
	}
	if event.Result != ResultSuccess {
		t.Errorf("expected result %s, got %s", ResultSuccess, event.Result)
	}
	if event.Actor.Source != SourceCLI {
		t.Errorf("expected source %s, got %s", SourceCLI, event.Actor.Source)
	}
	if event.Chain.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", event.Chain.Sequence)
	}
	if event.Chain.PrevHash != "genesis" {
		t.Errorf("expected prevHash 'genesis', got %s", event.Chain.PrevHash)
	}
	if event.Chain.HMAC == "" {
		t.Error("expected non-empty HMAC")
	}
}

func TestLogError(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)

	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	err := logger.LogError(OpVaultWithdraw, SourceCLI, Record{VaultID: 2}, "STILL_LOCKED", "vault is still time-locked")
	if err != nil {
		t.Fatalf("LogError failed: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(tmpDir, "*.jsonl"))
	data, _ := os.ReadFile(files[0])

	var event Event
	json.Unmarshal(data[:len(data)-1], &event)

	if event.Result != ResultError {
		t.Errorf("expected result %s, got %s", ResultError, event.Result)
	}
	if event.Error == nil {
		t.Error("expected error info to be set")
	} else {
		if event.Error.Code != "STILL_LOCKED" {
			t.Errorf("expected error code STILL_LOCKED, got %s", event.Error.Code)
		}
		if event.Error.Message != "vault is still time-locked" {
			t.Errorf("unexpected error message %q", event.Error.Message)
		}
	}
}

func TestLogDenied(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)

	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	err := logger.LogDenied(OpVaultWithdraw, SourceMCP, Record{VaultID: 3}, "policy violation")
	if err != nil {
		t.Fatalf("LogDenied failed: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(tmpDir, "*.jsonl"))
	data, _ := os.ReadFile(files[0])

	var event Event
	json.Unmarshal(data[:len(data)-1], &event)

	if event.Result != ResultDenied {
		t.Errorf("expected result %s, got %s", ResultDenied, event.Result)
	}
	if event.Context == nil {
		t.Error("expected context to be set")
	} else if event.Context["reason"] != "policy violation" {
		t.Errorf("expected reason 'policy violation', got %v", event.Context["reason"])
	}
}

func TestChainIntegrity(t *testing.T) {
	tmpDir := t.TempDir()
	logger := NewLogger(tmpDir)

	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := logger.LogSuccess(OpVaultDeposit, SourceCLI, Record{VaultID: uint64(i + 1)}); err != nil {
			t.Fatalf("LogSuccess failed on iteration %d: %v", i, err)
		}
	}

	result, err := logger.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if !result.Valid {
		t.Errorf("expected valid chain, got errors: %v", result.Errors)
	}
	if result.RecordsTotal != 5 {
		t.Errorf("expected 5 records, got %d", result.RecordsTotal)
	}
	if result.RecordsVerified != 5 {
		t.Errorf("expected 5 verified records, got %d", result.RecordsVerified)
	}
}

func TestChainPersistence(t *testing.T) {
	tmpDir := t.TempDir()
	key := testKey()

	// First session: log some events
	logger1 := NewLogger(tmpDir)
	if err := logger1.SetHMACKey(key); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := logger1.LogSuccess(OpVaultDeposit, SourceCLI, Record{VaultID: uint64(i + 1)}); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}

	// Second session: continue the chain
	logger2 := NewLogger(tmpDir)
	if err := logger2.SetHMACKey(key); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := logger2.LogSuccess(OpVaultWithdraw, SourceCLI, Record{VaultID: uint64(i + 1)}); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}

	result, err := logger2.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if !result.Valid {
		t.Errorf("expected valid chain after session resume, got errors: %v", result.Errors)
	}
	if result.RecordsTotal != 5 {
		t.Errorf("expected 5 total records, got %d", result.RecordsTotal)
	}
}

func TestGenerateEventID(t *testing.T) {
	id1 := generateEventID()
	id2 := generateEventID()

	if id1 == "" {
		t.Error("expected non-empty event ID")
	}
	if len(id1) != 32 { // 16 bytes * 2 (hex encoding)
		t.Errorf("expected event ID length 32, got %d", len(id1))
	}
	if id1 == id2 {
		t.Error("expected unique event IDs")
	}
}

func TestTamperingDetection(t *testing.T) {
	t.Run("detect modified record", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger := NewLogger(tmpDir)

		if err := logger.SetHMACKey(testKey()); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}

		for i := 0; i < 3; i++ {
			if err := logger.LogSuccess(OpVaultDeposit, SourceCLI, Record{VaultID: uint64(i + 1)}); err != nil {
				t.Fatalf("LogSuccess failed: %v", err)
			}
		}

		result, err := logger.Verify()
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if !result.Valid {
			t.Fatalf("expected valid chain before tampering: %v", result.Errors)
		}

		// Rewrite one record's operation in place
		files, _ := filepath.Glob(filepath.Join(tmpDir, "*.jsonl"))
		if len(files) == 0 {
			t.Fatal("no log files found")
		}
		data, err := os.ReadFile(files[0])
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		tampered := strings.Replace(string(data), "vault.deposit", "vault.dep0sit", 1)
		if err := os.WriteFile(files[0], []byte(tampered), 0600); err != nil {
			t.Fatalf("failed to write tampered file: %v", err)
		}

		logger2 := NewLogger(tmpDir)
		if err := logger2.SetHMACKey(testKey()); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}

		result, err = logger2.Verify()
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid chain after tampering, but verification passed")
		}
		if len(result.Errors) == 0 {
			t.Error("expected errors to be reported")
		}
	})

	t.Run("detect deleted record", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger := NewLogger(tmpDir)

		if err := logger.SetHMACKey(testKey()); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}

		for i := 0; i < 5; i++ {
			if err := logger.LogSuccess(OpVaultDeposit, SourceCLI, Record{VaultID: uint64(i + 1)}); err != nil {
				t.Fatalf("LogSuccess failed: %v", err)
			}
		}

		// Drop the middle line
		files, _ := filepath.Glob(filepath.Join(tmpDir, "*.jsonl"))
		data, _ := os.ReadFile(files[0])
		lines := strings.SplitAfter(string(data), "\n")
		kept := append(lines[:2], lines[3:]...)
		if err := os.WriteFile(files[0], []byte(strings.Join(kept, "")), 0600); err != nil {
			t.Fatalf("failed to write modified file: %v", err)
		}

		logger2 := NewLogger(tmpDir)
		if err := logger2.SetHMACKey(testKey()); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}

		result, err := logger2.Verify()
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid chain after record deletion")
		}
	})

	t.Run("detect wrong HMAC key", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger := NewLogger(tmpDir)

		if err := logger.SetHMACKey(testKey()); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}

		for i := 0; i < 3; i++ {
			if err := logger.LogSuccess(OpVaultDeposit, SourceCLI, Record{VaultID: uint64(i + 1)}); err != nil {
				t.Fatalf("LogSuccess failed: %v", err)
			}
		}

		wrongKey := make([]byte, 32)
		for i := range wrongKey {
			wrongKey[i] = byte(255 - i)
		}

		logger2 := NewLogger(tmpDir)
		if err := logger2.SetHMACKey(wrongKey); err != nil {
			t.Fatalf("SetHMACKey failed: %v", err)
		}

		result, err := logger2.Verify()
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid chain with wrong HMAC key")
		}
	})
}

func TestVerifyEmptyLog(t *testing.T) {
	logger := NewLogger(t.TempDir())

	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	result, err := logger.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid result for empty log: %v", result.Errors)
	}
	if result.RecordsTotal != 0 {
		t.Errorf("expected 0 records, got %d", result.RecordsTotal)
	}
}

func TestListEvents(t *testing.T) {
	logger := NewLogger(t.TempDir())

	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	_ = logger.LogSuccess(OpVaultDeposit, SourceCLI, Record{VaultID: 1, TokenID: 1})
	_ = logger.LogSuccess(OpTokenTransfer, SourceMCP, Record{TokenID: 1})
	_ = logger.LogError(OpVaultWithdraw, SourceCLI, Record{VaultID: 1}, "STILL_LOCKED", "locked")
	_ = logger.LogDenied(OpVaultWithdraw, SourceMCP, Record{VaultID: 1}, "policy violation")
	_ = logger.LogSuccess(OpTokenBurn, SourceCLI, Record{TokenID: 1})

	var zeroTime time.Time
	events, err := logger.ListEvents(100, zeroTime)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}

	if len(events) != 5 {
		t.Errorf("expected 5 events, got %d", len(events))
	}

	operations := make(map[string]int)
	for _, e := range events {
		operations[e.Operation]++
	}

	if operations[OpVaultDeposit] != 1 {
		t.Errorf("expected 1 vault.deposit, got %d", operations[OpVaultDeposit])
	}
	if operations[OpVaultWithdraw] != 2 {
		t.Errorf("expected 2 vault.withdraw, got %d", operations[OpVaultWithdraw])
	}

	// Limit returns the most recent events
	events, err = logger.ListEvents(2, zeroTime)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Operation != OpTokenBurn {
		t.Errorf("expected last event token.burn, got %s", events[1].Operation)
	}
}

func TestExportCSV(t *testing.T) {
	logger := NewLogger(t.TempDir())

	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	_ = logger.LogSuccess(OpVaultDeposit, SourceCLI, Record{VaultID: 7, TokenID: 7})

	out, err := logger.Export("csv", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], "vault.deposit") || !strings.Contains(lines[1], ",7,7") {
		t.Errorf("unexpected CSV row: %s", lines[1])
	}

	if _, err := logger.Export("xml", time.Time{}, time.Time{}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestSinkRecordsEngineEvents(t *testing.T) {
	logger := NewLogger(t.TempDir())

	if err := logger.SetHMACKey(testKey()); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}

	sink := NewSink(logger, SourceCLI)
	sink.VaultCreated(engine.CreatedEvent{
		VaultID:    1,
		Owner:      "tvdeadbeef",
		Amount:     5_000_000_000,
		UnlockTime: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		TokenID:    1,
	})
	sink.VaultWithdrawn(engine.WithdrawnEvent{VaultID: 1, Owner: "tvdeadbeef", Amount: 5_000_000_000})
	sink.ProofInvalidated(engine.InvalidatedEvent{TokenID: 1, VaultID: 1, Owner: "tvdeadbeef"})

	events, err := logger.ListEvents(0, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []string{OpVaultDeposit, OpVaultWithdraw, OpTokenBurn}
	for i, op := range want {
		if events[i].Operation != op {
			t.Errorf("event %d operation = %s, want %s", i, events[i].Operation, op)
		}
	}

	result, err := logger.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain: %v", result.Errors)
	}
}
