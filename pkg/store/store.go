// Package store persists the vault ledger, token registry, account book and
// balances in a local SQLite database. One process owns the store at a time,
// enforced with a lock file.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forest6511/timevault/pkg/engine"
	"github.com/forest6511/timevault/pkg/ledger"
	"github.com/forest6511/timevault/pkg/registry"

	_ "modernc.org/sqlite"
)

// Constants
const (
	DBFileName   = "timevault.db"
	KeyFileName  = "store.key"
	MetaFileName = "store.meta"
	LockFileName = "store.lock"
	FileMode     = 0600 // Owner read/write only
	DirMode      = 0700 // Owner read/write/execute only

	KeyLength = 32 // Store key feeds the audit HMAC derivation

	// Disk capacity thresholds
	MinDiskSpaceBytes  = 10 * 1024 * 1024 // 10 MB minimum free space
	DiskWarningPercent = 90               // Warn when disk is 90% full
)

// Errors
var (
	ErrStoreAlreadyExists = errors.New("store: store already exists at this path")
	ErrStoreNotFound      = errors.New("store: store not found at this path")
	ErrStoreLocked        = errors.New("store: store is locked by another process")
	ErrStoreCorrupted     = errors.New("store: store is corrupted")
	ErrInsufficientDisk   = errors.New("store: insufficient disk space")
	ErrAccountExists      = errors.New("store: account already exists")
	ErrAccountNotFound    = errors.New("store: account not found")
)

// Meta holds store metadata
type Meta struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Account is a named local identity with its key-derivation salt.
type Account struct {
	Name      string
	Address   engine.Identity
	Salt      []byte
	CreatedAt time.Time
}

// State is everything the engine and its collaborators need to resume.
type State struct {
	Vaults   []engine.Vault
	Reverse  []uint64 // vault id per token id, 0 = invalidated proof
	Tokens   []registry.Token
	Balances map[engine.Identity]engine.Amount
}

// Store manages the on-disk database for one data directory.
type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

// New creates a Store management object for the specified path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the store directory path.
func (s *Store) Path() string {
	return s.path
}

// Init initializes a new store:
// 1. Create the data directory
// 2. Generate the store key (feeds audit log HMAC derivation)
// 3. Create the database and define tables
// 4. Write the metadata file
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exists() {
		return ErrStoreAlreadyExists
	}

	if err := s.checkDiskSpaceForWrite(1024 * 1024); err != nil {
		return err
	}

	if err := os.MkdirAll(s.path, DirMode); err != nil {
		return fmt.Errorf("store: failed to create directory: %w", err)
	}

	// Store key: random, file-local. Never leaves the data directory.
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("store: failed to generate store key: %w", err)
	}
	keyPath := filepath.Join(s.path, KeyFileName)
	if err := os.WriteFile(keyPath, key, FileMode); err != nil {
		return fmt.Errorf("store: failed to write key file: %w", err)
	}

	dbPath := filepath.Join(s.path, DBFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("store: failed to open database: %w", err)
	}
	defer db.Close()

	if err := createTables(db); err != nil {
		return fmt.Errorf("store: failed to create tables: %w", err)
	}

	meta := Meta{
		Version:   "1.0.0",
		CreatedAt: time.Now().UTC(),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("store: failed to marshal metadata: %w", err)
	}
	metaPath := filepath.Join(s.path, MetaFileName)
	if err := os.WriteFile(metaPath, metaJSON, FileMode); err != nil {
		return fmt.Errorf("store: failed to write metadata file: %w", err)
	}

	if err := os.Chmod(dbPath, FileMode); err != nil {
		return fmt.Errorf("store: failed to set database permissions: %w", err)
	}

	return nil
}

// Open acquires the store lock and opens the database connection.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.exists() {
		return ErrStoreNotFound
	}

	if err := s.acquireLock(); err != nil {
		return err
	}

	dbPath := filepath.Join(s.path, DBFileName)
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000")
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("store: failed to open database: %w", err)
	}

	// Single-connection mode avoids "database is locked" errors for local use
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s.db = db
	return nil
}

// Close closes the database and releases the store lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	s.releaseLock()
	return err
}

// Key reads the store key used to derive the audit HMAC key.
func (s *Store) Key() ([]byte, error) {
	keyPath := filepath.Join(s.path, KeyFileName)
	key, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("store: failed to read key file: %w", err)
	}
	if len(key) != KeyLength {
		return nil, ErrStoreCorrupted
	}
	return key, nil
}

// exists checks if the store has been initialized.
func (s *Store) exists() bool {
	keyPath := filepath.Join(s.path, KeyFileName)
	_, err := os.Stat(keyPath)
	return err == nil
}

// acquireLock takes the single-process lock file.
func (s *Store) acquireLock() error {
	lockPath := filepath.Join(s.path, LockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, FileMode)
	if err != nil {
		if os.IsExist(err) {
			return ErrStoreLocked
		}
		return fmt.Errorf("store: failed to create lock file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f.Close()
}

// releaseLock removes the lock file.
func (s *Store) releaseLock() {
	lockPath := filepath.Join(s.path, LockFileName)
	_ = os.Remove(lockPath)
}

// createTables creates the required SQLite tables
func createTables(db *sql.DB) error {
	// vaults table: one row per vault, never deleted
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vaults (
			id INTEGER PRIMARY KEY,
			owner TEXT NOT NULL,
			amount INTEGER NOT NULL,
			unlock_time INTEGER NOT NULL,
			withdrawn INTEGER NOT NULL DEFAULT 0,
			token_id INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// token_links table: reverse linkage, vault_id 0 marks an invalidated proof
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS token_links (
			token_id INTEGER PRIMARY KEY,
			vault_id INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// tokens table: live proof tokens only, burned tokens are deleted
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY,
			owner TEXT NOT NULL,
			metadata_uri TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return err
	}

	// accounts table: named local identities
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			name TEXT PRIMARY KEY,
			address TEXT UNIQUE NOT NULL,
			salt BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// balances table: account book, escrow included
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS balances (
			address TEXT PRIMARY KEY,
			amount INTEGER NOT NULL
		)
	`)
	return err
}

// SaveState writes the full engine state in a single transaction. The state
// tables are rewritten wholesale; the scale here is a local data directory,
// not a shared server.
func (s *Store) SaveState(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreNotFound
	}

	if err := s.checkDiskSpaceForWrite(MinDiskSpaceBytes); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"vaults", "token_links", "tokens", "balances"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("store: failed to clear %s: %w", table, err)
		}
	}

	vaultStmt, err := tx.Prepare(`
		INSERT INTO vaults(id, owner, amount, unlock_time, withdrawn, token_id, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare vault insert: %w", err)
	}
	defer vaultStmt.Close()

	for _, v := range state.Vaults {
		withdrawn := 0
		if v.Withdrawn {
			withdrawn = 1
		}
		_, err := vaultStmt.Exec(
			int64(v.ID), string(v.Owner), int64(v.Amount),
			v.UnlockTime.UTC().UnixNano(), withdrawn, int64(v.TokenID),
			v.CreatedAt.UTC().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("store: failed to save vault %d: %w", v.ID, err)
		}
	}

	linkStmt, err := tx.Prepare("INSERT INTO token_links(token_id, vault_id) VALUES(?, ?)")
	if err != nil {
		return fmt.Errorf("store: failed to prepare link insert: %w", err)
	}
	defer linkStmt.Close()

	for i, vaultID := range state.Reverse {
		if _, err := linkStmt.Exec(int64(i+1), int64(vaultID)); err != nil {
			return fmt.Errorf("store: failed to save token link %d: %w", i+1, err)
		}
	}

	tokenStmt, err := tx.Prepare("INSERT INTO tokens(id, owner, metadata_uri) VALUES(?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: failed to prepare token insert: %w", err)
	}
	defer tokenStmt.Close()

	for _, tok := range state.Tokens {
		if _, err := tokenStmt.Exec(int64(tok.ID), string(tok.Owner), tok.MetadataURI); err != nil {
			return fmt.Errorf("store: failed to save token %d: %w", tok.ID, err)
		}
	}

	balStmt, err := tx.Prepare("INSERT INTO balances(address, amount) VALUES(?, ?)")
	if err != nil {
		return fmt.Errorf("store: failed to prepare balance insert: %w", err)
	}
	defer balStmt.Close()

	for addr, amount := range state.Balances {
		if _, err := balStmt.Exec(string(addr), int64(amount)); err != nil {
			return fmt.Errorf("store: failed to save balance for %s: %w", addr, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

// LoadState reads the persisted engine state.
func (s *Store) LoadState() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state State
	if s.db == nil {
		return state, ErrStoreNotFound
	}

	rows, err := s.db.Query(`
		SELECT id, owner, amount, unlock_time, withdrawn, token_id, created_at
		FROM vaults ORDER BY id
	`)
	if err != nil {
		return state, fmt.Errorf("store: failed to read vaults: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, amount, unlockNano, tokenID, createdNano int64
			owner                                        string
			withdrawn                                    int
		)
		if err := rows.Scan(&id, &owner, &amount, &unlockNano, &withdrawn, &tokenID, &createdNano); err != nil {
			return state, fmt.Errorf("store: failed to scan vault: %w", err)
		}
		// Vault ids must be dense starting at 1
		if uint64(id) != uint64(len(state.Vaults)+1) {
			return state, ErrStoreCorrupted
		}
		state.Vaults = append(state.Vaults, engine.Vault{
			ID:         uint64(id),
			Owner:      engine.Identity(owner),
			Amount:     engine.Amount(amount),
			UnlockTime: time.Unix(0, unlockNano).UTC(),
			Withdrawn:  withdrawn != 0,
			TokenID:    uint64(tokenID),
			CreatedAt:  time.Unix(0, createdNano).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("store: failed to read vaults: %w", err)
	}

	linkRows, err := s.db.Query("SELECT token_id, vault_id FROM token_links ORDER BY token_id")
	if err != nil {
		return state, fmt.Errorf("store: failed to read token links: %w", err)
	}
	defer linkRows.Close()

	for linkRows.Next() {
		var tokenID, vaultID int64
		if err := linkRows.Scan(&tokenID, &vaultID); err != nil {
			return state, fmt.Errorf("store: failed to scan token link: %w", err)
		}
		if uint64(tokenID) != uint64(len(state.Reverse)+1) {
			return state, ErrStoreCorrupted
		}
		state.Reverse = append(state.Reverse, uint64(vaultID))
	}
	if err := linkRows.Err(); err != nil {
		return state, fmt.Errorf("store: failed to read token links: %w", err)
	}

	tokenRows, err := s.db.Query("SELECT id, owner, metadata_uri FROM tokens ORDER BY id")
	if err != nil {
		return state, fmt.Errorf("store: failed to read tokens: %w", err)
	}
	defer tokenRows.Close()

	for tokenRows.Next() {
		var (
			id    int64
			owner string
			uri   string
		)
		if err := tokenRows.Scan(&id, &owner, &uri); err != nil {
			return state, fmt.Errorf("store: failed to scan token: %w", err)
		}
		state.Tokens = append(state.Tokens, registry.Token{
			ID:          uint64(id),
			Owner:       engine.Identity(owner),
			MetadataURI: uri,
		})
	}
	if err := tokenRows.Err(); err != nil {
		return state, fmt.Errorf("store: failed to read tokens: %w", err)
	}

	state.Balances = make(map[engine.Identity]engine.Amount)
	balRows, err := s.db.Query("SELECT address, amount FROM balances")
	if err != nil {
		return state, fmt.Errorf("store: failed to read balances: %w", err)
	}
	defer balRows.Close()

	for balRows.Next() {
		var (
			addr   string
			amount int64
		)
		if err := balRows.Scan(&addr, &amount); err != nil {
			return state, fmt.Errorf("store: failed to scan balance: %w", err)
		}
		state.Balances[engine.Identity(addr)] = engine.Amount(amount)
	}
	if err := balRows.Err(); err != nil {
		return state, fmt.Errorf("store: failed to read balances: %w", err)
	}

	return state, nil
}

// Verify cross-checks the persisted state invariants: dense vault ids,
// bijective live linkage, and escrow equal to the sum of locked value.
func (s *Store) Verify() error {
	state, err := s.LoadState()
	if err != nil {
		return err
	}

	var locked engine.Amount
	for i, v := range state.Vaults {
		if v.ID != uint64(i+1) {
			return fmt.Errorf("%w: vault id gap at %d", ErrStoreCorrupted, i+1)
		}
		if v.TokenID == 0 || v.TokenID > uint64(len(state.Reverse)) {
			return fmt.Errorf("%w: vault %d has invalid token link", ErrStoreCorrupted, v.ID)
		}
		if !v.Withdrawn {
			locked += v.Amount
		}
	}

	for i, vaultID := range state.Reverse {
		if vaultID == 0 {
			continue
		}
		if vaultID > uint64(len(state.Vaults)) {
			return fmt.Errorf("%w: token %d links to unknown vault %d", ErrStoreCorrupted, i+1, vaultID)
		}
		if state.Vaults[vaultID-1].TokenID != uint64(i+1) {
			return fmt.Errorf("%w: token %d linkage is not mutual", ErrStoreCorrupted, i+1)
		}
	}

	if escrow := state.Balances[ledger.EscrowAccount]; escrow != locked {
		return fmt.Errorf("%w: escrow %d does not match locked value %d", ErrStoreCorrupted, escrow, locked)
	}
	return nil
}

// CreateAccount stores a new named account.
func (s *Store) CreateAccount(name string, address engine.Identity, salt []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreNotFound
	}

	var exists int
	err := s.db.QueryRow("SELECT COUNT(*) FROM accounts WHERE name = ? OR address = ?",
		name, string(address)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("store: failed to check account: %w", err)
	}
	if exists > 0 {
		return ErrAccountExists
	}

	_, err = s.db.Exec(
		"INSERT INTO accounts(name, address, salt, created_at) VALUES(?, ?, ?, ?)",
		name, string(address), salt, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: failed to create account: %w", err)
	}
	return nil
}

// GetAccount looks up an account by name.
func (s *Store) GetAccount(name string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccountWhere("name = ?", name)
}

// GetAccountByAddress looks up an account by address.
func (s *Store) GetAccountByAddress(address engine.Identity) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccountWhere("address = ?", string(address))
}

func (s *Store) getAccountWhere(clause string, arg any) (Account, error) {
	var acct Account
	if s.db == nil {
		return acct, ErrStoreNotFound
	}

	var (
		addr        string
		createdNano int64
	)
	err := s.db.QueryRow(
		"SELECT name, address, salt, created_at FROM accounts WHERE "+clause, arg,
	).Scan(&acct.Name, &addr, &acct.Salt, &createdNano)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return acct, ErrAccountNotFound
		}
		return acct, fmt.Errorf("store: failed to read account: %w", err)
	}
	acct.Address = engine.Identity(addr)
	acct.CreatedAt = time.Unix(0, createdNano).UTC()
	return acct, nil
}

// ListAccounts returns all accounts ordered by name.
func (s *Store) ListAccounts() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, ErrStoreNotFound
	}

	rows, err := s.db.Query("SELECT name, address, salt, created_at FROM accounts ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var (
			acct        Account
			addr        string
			createdNano int64
		)
		if err := rows.Scan(&acct.Name, &addr, &acct.Salt, &createdNano); err != nil {
			return nil, fmt.Errorf("store: failed to scan account: %w", err)
		}
		acct.Address = engine.Identity(addr)
		acct.CreatedAt = time.Unix(0, createdNano).UTC()
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}
