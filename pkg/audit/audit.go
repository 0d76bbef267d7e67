// Package audit provides append-only audit logging for vault and token
// operations, with an HMAC chain for tamper detection.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Disk space constants
const (
	MinAuditDiskSpace = 1024 * 1024 // 1 MB minimum for audit logs
)

// Operation types for audit logging
const (
	// Vault operations
	OpVaultDeposit  = "vault.deposit"
	OpVaultWithdraw = "vault.withdraw"

	// Token operations
	OpTokenTransfer = "token.transfer"
	OpTokenBurn     = "token.burn"

	// Account operations
	OpAccountCreate = "account.create"
	OpAccountFund   = "account.fund"

	// Store operations
	OpStoreInit = "store.init"
	OpStoreOpen = "store.open"

	// Session operations
	OpSessionStart = "session.start"
	OpSessionEnd   = "session.end"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// Event represents a single audit log record
type Event struct {
	// Basic information
	Version   int    `json:"v"`  // Schema version (1)
	ID        string `json:"id"` // Event ID (time-sortable)
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	// Operation information
	Operation string `json:"op"`
	VaultID   uint64 `json:"vault_id,omitempty"`
	TokenID   uint64 `json:"token_id,omitempty"`
	Account   string `json:"account,omitempty"` // HMAC of the acting address

	// Actor information
	Actor Actor `json:"actor"`

	// Result
	Result string     `json:"result"`          // success | error | denied
	Error  *ErrorInfo `json:"error,omitempty"` // Error details

	// Context (operation-dependent)
	Context map[string]interface{} `json:"ctx,omitempty"`

	// Tamper detection
	Chain Chain `json:"chain"`
}

// Actor represents who performed the operation
type Actor struct {
	Type      string `json:"type"`   // user | service | system
	Source    string `json:"source"` // cli | mcp
	SessionID string `json:"session_id"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain provides HMAC chain for tamper detection
type Chain struct {
	Sequence int64  `json:"seq"`  // Sequence number
	PrevHash string `json:"prev"` // Previous record hash
	HMAC     string `json:"hmac"` // This record's HMAC
}

// Record identifies the subject of an audit event. Zero fields are omitted
// from the log line.
type Record struct {
	VaultID uint64
	TokenID uint64
	Account string // plain address, HMACed before writing
}

// Logger handles audit log writing with HMAC chain
type Logger struct {
	path       string     // Audit log directory path
	hmacKey    []byte     // HMAC key derived from the store key
	mu         sync.Mutex // Protects concurrent writes
	sequence   int64      // Current sequence number
	prevHash   string     // Previous record hash
	sessionID  string     // Current session ID
	hmacKeySet bool       // Whether HMAC key has been set
}

// NewLogger creates a new audit logger
func NewLogger(path string) *Logger {
	return &Logger{
		path:      path,
		prevHash:  "genesis", // Initial chain value
		sessionID: uuid.NewString(),
	}
}

// SetHMACKey derives and sets the HMAC key from the store key using HKDF
func (l *Logger) SetHMACKey(storeKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Derive HMAC key using HKDF-SHA256
	hkdfReader := hkdf.New(sha256.New, storeKey, nil, []byte("timevault-audit-v1"))
	l.hmacKey = make([]byte, 32)
	if _, err := hkdfReader.Read(l.hmacKey); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKeySet = true

	// Load existing chain state
	if err := l.loadChainState(); err != nil {
		// Not a fatal error - may be first run
		l.sequence = 0
		l.prevHash = "genesis"
	}

	return nil
}

// SessionID returns the current session identifier
func (l *Logger) SessionID() string {
	return l.sessionID
}

// Log records an audit event
func (l *Logger) Log(op, source, result string, rec Record, errInfo *ErrorInfo, ctx map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return fmt.Errorf("audit: HMAC key not set")
	}

	// Ensure directory exists
	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	// Check disk space before write
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	// Build event
	event := Event{
		Version:   1,
		ID:        generateEventID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		VaultID:   rec.VaultID,
		TokenID:   rec.TokenID,
		Actor: Actor{
			Type:      "user",
			Source:    source,
			SessionID: l.sessionID,
		},
		Result:  result,
		Error:   errInfo,
		Context: ctx,
	}

	// Addresses are pseudonymized with HMAC so the log does not expose them
	if rec.Account != "" {
		mac := hmac.New(sha256.New, l.hmacKey)
		mac.Write([]byte(rec.Account))
		event.Account = hex.EncodeToString(mac.Sum(nil))
	}

	// Build chain
	l.sequence++
	event.Chain.Sequence = l.sequence
	event.Chain.PrevHash = l.prevHash

	// Calculate HMAC for this record
	recordData := l.buildRecordData(&event)
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(recordData)
	event.Chain.HMAC = hex.EncodeToString(mac.Sum(nil))

	// Update previous hash for next record
	l.prevHash = event.Chain.HMAC

	// Write to file
	if err := l.writeEvent(&event); err != nil {
		return err
	}

	// Save chain state
	return l.saveChainState()
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, source string, rec Record) error {
	return l.Log(op, source, ResultSuccess, rec, nil, nil)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, source string, rec Record, errCode, errMsg string) error {
	return l.Log(op, source, ResultError, rec, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

// LogDenied is a convenience method for denied operations
func (l *Logger) LogDenied(op, source string, rec Record, reason string) error {
	return l.Log(op, source, ResultDenied, rec, nil, map[string]interface{}{"reason": reason})
}

// buildRecordData creates the data to be HMACed. All significant fields are
// included so an edit anywhere in the record breaks the chain.
func (l *Logger) buildRecordData(event *Event) []byte {
	actorData := fmt.Sprintf("%s|%s|%s",
		event.Actor.Type,
		event.Actor.Source,
		event.Actor.SessionID,
	)

	errorData := ""
	if event.Error != nil {
		errorData = fmt.Sprintf("%s|%s", event.Error.Code, event.Error.Message)
	}

	// Sort context keys for deterministic ordering
	contextData := ""
	if event.Context != nil {
		keys := make([]string, 0, len(event.Context))
		for k := range event.Context {
			keys = append(keys, k)
		}
		sortStrings(keys)
		for _, k := range keys {
			contextData += fmt.Sprintf("%s=%v|", k, event.Context[k])
		}
	}

	data := fmt.Sprintf("%d|%s|%s|%s|%d|%d|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.VaultID,
		event.TokenID,
		event.Account,
		actorData,
		event.Result,
		errorData,
		contextData,
		event.Chain.Sequence,
		event.Chain.PrevHash,
	)
	return []byte(data)
}

// sortStrings sorts a slice of strings in place (simple insertion sort)
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// writeEvent writes an event to the current month's log file
func (l *Logger) writeEvent(event *Event) error {
	// Get current month's filename
	filename := time.Now().UTC().Format("2006-01") + ".jsonl"
	logPath := filepath.Join(l.path, filename)

	// Open file for append
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	// Marshal and write
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}

	return nil
}

// ChainState holds the persistent chain state
type ChainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// loadChainState loads the chain state from metadata file
func (l *Logger) loadChainState() error {
	metaPath := filepath.Join(l.path, "audit.meta")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return err
	}

	var state ChainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

// saveChainState saves the chain state to metadata file
func (l *Logger) saveChainState() error {
	state := ChainState{
		Sequence: l.sequence,
		PrevHash: l.prevHash,
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}

	metaPath := filepath.Join(l.path, "audit.meta")
	if err := os.WriteFile(metaPath, data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}

	return nil
}

// generateEventID creates a ULID-like identifier.
// Using timestamp + random for time-sortable unique IDs
func generateEventID() string {
	// Timestamp component (48 bits = 6 bytes)
	ts := time.Now().UnixMilli()
	tsBytes := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		tsBytes[i] = byte(ts & 0xFF)
		ts >>= 8
	}

	// Random component (80 bits = 10 bytes)
	randBytes := make([]byte, 10)
	if _, err := rand.Read(randBytes); err != nil {
		// Fallback
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}

	// Combine and encode
	combined := append(tsBytes, randBytes...)
	return hex.EncodeToString(combined)
}

// Verify checks the integrity of the audit log chain
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return nil, fmt.Errorf("audit: HMAC key not set")
	}

	result := &VerifyResult{
		Valid:        true,
		RecordsTotal: 0,
	}

	// Read all log files in order
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}

	// Sort files by name (YYYY-MM.jsonl format ensures chronological order)
	sortStrings(files)

	expectedPrevHash := "genesis"
	var expectedSeq int64 = 1

	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}

		for _, event := range events {
			result.RecordsTotal++

			// Check sequence
			if event.Chain.Sequence != expectedSeq {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"sequence gap at record %s: expected %d, got %d",
					event.ID, expectedSeq, event.Chain.Sequence))
			}

			// Check prev hash
			if event.Chain.PrevHash != expectedPrevHash {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"chain broken at record %s: expected prev %s, got %s",
					event.ID, expectedPrevHash, event.Chain.PrevHash))
			}

			// Verify HMAC
			recordData := l.buildRecordData(&event)
			mac := hmac.New(sha256.New, l.hmacKey)
			mac.Write(recordData)
			expectedHMAC := hex.EncodeToString(mac.Sum(nil))

			if event.Chain.HMAC != expectedHMAC {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"HMAC mismatch at record %s: possible tampering",
					event.ID))
			}

			expectedPrevHash = event.Chain.HMAC
			expectedSeq++
		}
	}

	result.RecordsVerified = result.RecordsTotal
	return result, nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// readLogFile reads all events from a log file
func (l *Logger) readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	lines := splitLines(data)
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}

	return events, nil
}

// splitLines splits data into lines
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ListEvents returns audit events with optional filtering
// limit: maximum number of events to return (0 = all)
// since: only return events after this time (zero = no filter)
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Read all log files
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}

	// Sort files by name (chronological order)
	sortStrings(files)

	var allEvents []Event
	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		allEvents = append(allEvents, events...)
	}

	// Filter by time if specified
	var filtered []Event
	if !since.IsZero() {
		for _, event := range allEvents {
			eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue // Skip events with invalid timestamps
			}
			if eventTime.After(since) {
				filtered = append(filtered, event)
			}
		}
	} else {
		filtered = allEvents
	}

	// Apply limit (return most recent events)
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	return filtered, nil
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

// Export exports audit events in the specified format (json or csv)
// since and until filter events by timestamp (zero values mean no filter)
func (l *Logger) Export(format string, since, until time.Time) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Read all log files
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}

	// Sort files by name (chronological order)
	sortStrings(files)

	var allEvents []Event
	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		allEvents = append(allEvents, events...)
	}

	// Filter by time range
	var filtered []Event
	for _, event := range allEvents {
		eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
		if err != nil {
			continue // Skip events with invalid timestamps
		}

		// Apply since filter
		if !since.IsZero() && eventTime.Before(since) {
			continue
		}

		// Apply until filter
		if !until.IsZero() && eventTime.After(until) {
			continue
		}

		filtered = append(filtered, event)
	}

	// Format output
	switch format {
	case "csv":
		return l.formatCSV(filtered), nil
	case "json":
		return l.formatJSON(filtered)
	default:
		return nil, fmt.Errorf("audit: unsupported format: %s", format)
	}
}

// formatJSON formats events as JSON array
func (l *Logger) formatJSON(events []Event) ([]byte, error) {
	return json.MarshalIndent(events, "", "  ")
}

// formatCSV formats events as CSV with proper escaping
func (l *Logger) formatCSV(events []Event) []byte {
	var result []byte

	// Header
	result = append(result, []byte("timestamp,operation,result,vault_id,token_id\n")...)

	// Data rows
	for _, event := range events {
		line := fmt.Sprintf("%s,%s,%s,%d,%d\n",
			csvEscape(event.Timestamp),
			csvEscape(event.Operation),
			csvEscape(event.Result),
			event.VaultID,
			event.TokenID,
		)
		result = append(result, []byte(line)...)
	}

	return result
}

// csvEscape escapes a field for CSV output to prevent injection attacks
func csvEscape(field string) string {
	if field == "" {
		return field
	}

	// Check if field needs quoting
	// Also quote fields starting with =, +, -, @ to prevent formula injection
	needsQuoting := false
	firstChar := field[0]
	if firstChar == '=' || firstChar == '+' || firstChar == '-' || firstChar == '@' {
		needsQuoting = true
	}

	if !needsQuoting {
		for _, c := range field {
			if c == ',' || c == '"' || c == '\n' || c == '\r' {
				needsQuoting = true
				break
			}
		}
	}

	if !needsQuoting {
		return field
	}

	// Quote the field and escape any double quotes
	var escaped []byte
	escaped = append(escaped, '"')
	for _, c := range field {
		if c == '"' {
			escaped = append(escaped, '"', '"') // Escape double quote with double quote
		} else {
			escaped = append(escaped, byte(c))
		}
	}
	escaped = append(escaped, '"')
	return string(escaped)
}

// PrunePreview counts the entries Prune would delete, without deleting
func (l *Logger) PrunePreview(olderThan time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)

	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return 0, fmt.Errorf("audit: failed to list log files: %w", err)
	}

	count := 0
	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return count, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		for _, event := range events {
			eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue
			}
			if !eventTime.After(cutoff) {
				count++
			}
		}
	}

	return count, nil
}

// Prune deletes audit log entries older than the specified duration
// Returns the number of deleted entries
func (l *Logger) Prune(olderThan time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)

	// Read all log files
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return 0, fmt.Errorf("audit: failed to list log files: %w", err)
	}

	sortStrings(files)

	deletedCount := 0

	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return deletedCount, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}

		// Check if all events in this file are older than cutoff
		allOld := true
		for _, event := range events {
			eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue
			}
			if eventTime.After(cutoff) {
				allOld = false
				break
			}
		}

		if allOld && len(events) > 0 {
			// Delete entire file
			if err := os.Remove(file); err != nil {
				return deletedCount, fmt.Errorf("audit: failed to delete %s: %w", file, err)
			}
			deletedCount += len(events)
		} else if !allOld {
			// Need to filter events within the file
			var remaining []Event
			for _, event := range events {
				eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
				if err != nil {
					remaining = append(remaining, event)
					continue
				}
				if eventTime.After(cutoff) {
					remaining = append(remaining, event)
				} else {
					deletedCount++
				}
			}

			// Rewrite file with remaining events
			if len(remaining) == 0 {
				if err := os.Remove(file); err != nil {
					return deletedCount, fmt.Errorf("audit: failed to delete %s: %w", file, err)
				}
			} else {
				if err := l.rewriteLogFile(file, remaining); err != nil {
					return deletedCount, fmt.Errorf("audit: failed to rewrite %s: %w", file, err)
				}
			}
		}
	}

	return deletedCount, nil
}

// rewriteLogFile rewrites a log file with the given events
func (l *Logger) rewriteLogFile(path string, events []Event) error {
	// Write to temp file first
	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			f.Close()
			os.Remove(tempPath)
			return err
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tempPath)
			return err
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	// Atomic rename
	return os.Rename(tempPath, path)
}
