// Package service wires the vault engine, token registry, account book,
// metadata store and audit log into one object backed by a data directory.
// Both the CLI and the MCP server operate through it.
package service

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/forest6511/timevault/pkg/audit"
	"github.com/forest6511/timevault/pkg/engine"
	"github.com/forest6511/timevault/pkg/identity"
	"github.com/forest6511/timevault/pkg/ledger"
	"github.com/forest6511/timevault/pkg/metadata"
	"github.com/forest6511/timevault/pkg/registry"
	"github.com/forest6511/timevault/pkg/store"
)

// Subdirectories of the data directory.
const (
	AuditDirName    = "audit"
	MetadataDirName = "metadata"
)

// Errors
var (
	ErrUnknownAccount = errors.New("service: unknown account")
	ErrAuthFailed     = errors.New("service: passphrase does not match account")
)

// Service is an open handle on a timevault data directory.
type Service struct {
	store  *store.Store
	audit  *audit.Logger
	meta   *metadata.Store
	book   *ledger.Book
	reg    *registry.Registry
	engine *engine.Engine
	source string
}

// Init creates a new data directory at path.
func Init(path string) error {
	return store.New(path).Init()
}

// Open loads the persisted state from path and constructs the full stack.
// source tags audit records with the calling surface (audit.SourceCLI or
// audit.SourceMCP). The returned Service must be closed.
func Open(path, source string) (*Service, error) {
	st := store.New(path)
	if err := st.Open(); err != nil {
		return nil, err
	}

	state, err := st.LoadState()
	if err != nil {
		st.Close()
		return nil, err
	}

	logger := audit.NewLogger(filepath.Join(path, AuditDirName))
	key, err := st.Key()
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := logger.SetHMACKey(key); err != nil {
		st.Close()
		return nil, err
	}

	book := ledger.Restore(state.Balances)
	reg := registry.Restore(state.Tokens, uint64(len(state.Reverse)))

	s := &Service{
		store:  st,
		audit:  logger,
		meta:   metadata.NewStore(filepath.Join(path, MetadataDirName)),
		book:   book,
		reg:    reg,
		source: source,
	}
	s.engine = engine.New(reg, ledger.SystemClock{}, book.Escrow(),
		engine.WithState(state.Vaults, state.Reverse),
		engine.WithEventSink(audit.NewSink(logger, source)),
	)

	_ = logger.LogSuccess(audit.OpStoreOpen, source, audit.Record{})
	return s, nil
}

// Close persists nothing (every mutation already persisted) and releases the
// store lock.
func (s *Service) Close() error {
	_ = s.audit.LogSuccess(audit.OpSessionEnd, s.source, audit.Record{})
	return s.store.Close()
}

// persist writes the current in-memory state through to the database.
func (s *Service) persist() error {
	vaults, reverse := s.engine.Snapshot()
	return s.store.SaveState(store.State{
		Vaults:   vaults,
		Reverse:  reverse,
		Tokens:   s.reg.Tokens(),
		Balances: s.book.Balances(),
	})
}

// Audit exposes the audit logger for list/verify/export surfaces.
func (s *Service) Audit() *audit.Logger {
	return s.audit
}

// Engine exposes the vault engine for read-only queries.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// Metadata exposes the content-addressed metadata store.
func (s *Service) Metadata() *metadata.Store {
	return s.meta
}

// Verify checks the persisted state invariants and the audit chain.
func (s *Service) Verify() error {
	if err := s.store.Verify(); err != nil {
		return err
	}
	result, err := s.audit.Verify()
	if err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("service: audit chain invalid: %v", result.Errors)
	}
	return nil
}

// CreateAccount derives an address from the passphrase and registers it.
func (s *Service) CreateAccount(name, passphrase string) (store.Account, error) {
	var acct store.Account

	if v := identity.ValidatePassphrase(passphrase); !v.Valid {
		return acct, fmt.Errorf("service: weak passphrase: %v", v.Warnings)
	}

	salt, err := identity.NewSalt()
	if err != nil {
		return acct, err
	}
	addr, err := identity.Derive([]byte(passphrase), salt)
	if err != nil {
		return acct, err
	}

	if err := s.store.CreateAccount(name, addr, salt); err != nil {
		_ = s.audit.LogError(audit.OpAccountCreate, s.source, audit.Record{}, "ACCOUNT_EXISTS", err.Error())
		return acct, err
	}

	_ = s.audit.LogSuccess(audit.OpAccountCreate, s.source, audit.Record{Account: string(addr)})
	return s.store.GetAccount(name)
}

// Authenticate proves control of a named account by re-deriving its address
// from the passphrase and the stored salt.
func (s *Service) Authenticate(name, passphrase string) (engine.Identity, error) {
	acct, err := s.store.GetAccount(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	addr, err := identity.Derive([]byte(passphrase), acct.Salt)
	if err != nil {
		return "", err
	}
	if addr != acct.Address {
		return "", ErrAuthFailed
	}
	return addr, nil
}

// Resolve maps an account name or literal address to an identity.
func (s *Service) Resolve(nameOrAddress string) (engine.Identity, error) {
	if acct, err := s.store.GetAccount(nameOrAddress); err == nil {
		return acct.Address, nil
	}
	if _, err := s.store.GetAccountByAddress(engine.Identity(nameOrAddress)); err == nil {
		return engine.Identity(nameOrAddress), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownAccount, nameOrAddress)
}

// Accounts lists all registered accounts.
func (s *Service) Accounts() ([]store.Account, error) {
	return s.store.ListAccounts()
}

// Balance reports the spendable balance of an account.
func (s *Service) Balance(nameOrAddress string) (engine.Amount, error) {
	addr, err := s.Resolve(nameOrAddress)
	if err != nil {
		return 0, err
	}
	return s.book.Balance(addr), nil
}

// Fund credits new value to an account. Local development convenience; there
// is no external settlement layer.
func (s *Service) Fund(nameOrAddress string, amount engine.Amount) error {
	addr, err := s.Resolve(nameOrAddress)
	if err != nil {
		return err
	}
	if err := s.book.Credit(addr, amount); err != nil {
		_ = s.audit.LogError(audit.OpAccountFund, s.source, audit.Record{Account: string(addr)}, "FUND_FAILED", err.Error())
		return err
	}
	if err := s.persist(); err != nil {
		return err
	}
	_ = s.audit.LogSuccess(audit.OpAccountFund, s.source, audit.Record{Account: string(addr)})
	return nil
}

// Deposit locks value until unlockTime and mints the proof token. The token
// metadata document is stored content addressed and its URI is attached to
// the minted token.
func (s *Service) Deposit(nameOrAddress string, amount engine.Amount, unlockTime time.Time, name, description, imageURI string) (vaultID, tokenID uint64, uri string, err error) {
	addr, err := s.Resolve(nameOrAddress)
	if err != nil {
		return 0, 0, "", err
	}

	if name == "" {
		name = fmt.Sprintf("Time Vault #%d", s.engine.VaultCount()+1)
	}
	doc := metadata.NewTokenMetadata(name, description, imageURI, []metadata.Attribute{
		{TraitType: "Unlock Date", Value: unlockTime.UTC().Format(time.RFC3339)},
		{TraitType: "Locked Amount", Value: uint64(amount)},
		{TraitType: "Deposit Timestamp", Value: time.Now().UTC().Format(time.RFC3339)},
	})
	uri, err = s.meta.PutJSON(doc)
	if err != nil {
		return 0, 0, "", err
	}

	vaultID, tokenID, err = s.engine.Deposit(addr, amount, unlockTime, uri)
	if err != nil {
		_ = s.audit.LogError(audit.OpVaultDeposit, s.source, audit.Record{Account: string(addr)}, "DEPOSIT_FAILED", err.Error())
		return 0, 0, "", err
	}
	if err := s.persist(); err != nil {
		return 0, 0, "", err
	}
	return vaultID, tokenID, uri, nil
}

// Withdraw redeems a matured vault back to its depositor.
func (s *Service) Withdraw(nameOrAddress string, vaultID uint64) (engine.Amount, error) {
	addr, err := s.Resolve(nameOrAddress)
	if err != nil {
		return 0, err
	}

	amount, err := s.engine.Withdraw(addr, vaultID)
	if err != nil {
		_ = s.audit.LogError(audit.OpVaultWithdraw, s.source, audit.Record{VaultID: vaultID, Account: string(addr)}, "WITHDRAW_FAILED", err.Error())
		return 0, err
	}
	if err := s.persist(); err != nil {
		return 0, err
	}
	return amount, nil
}

// Burn invalidates a redeemed proof token.
func (s *Service) Burn(nameOrAddress string, tokenID uint64) error {
	addr, err := s.Resolve(nameOrAddress)
	if err != nil {
		return err
	}

	if err := s.engine.Burn(addr, tokenID); err != nil {
		_ = s.audit.LogError(audit.OpTokenBurn, s.source, audit.Record{TokenID: tokenID, Account: string(addr)}, "BURN_FAILED", err.Error())
		return err
	}
	return s.persist()
}

// TransferToken moves a proof token to another holder. Vault ownership does
// not follow the token; only the original depositor can ever withdraw.
func (s *Service) TransferToken(fromNameOrAddress, toNameOrAddress string, tokenID uint64) error {
	from, err := s.Resolve(fromNameOrAddress)
	if err != nil {
		return err
	}
	to, err := s.Resolve(toNameOrAddress)
	if err != nil {
		return err
	}

	if err := s.reg.Transfer(from, to, tokenID); err != nil {
		_ = s.audit.LogError(audit.OpTokenTransfer, s.source, audit.Record{TokenID: tokenID, Account: string(from)}, "TRANSFER_FAILED", err.Error())
		return err
	}
	if err := s.persist(); err != nil {
		return err
	}
	_ = s.audit.LogSuccess(audit.OpTokenTransfer, s.source, audit.Record{TokenID: tokenID, Account: string(from)})
	return nil
}

// TokenInfo describes a live proof token.
type TokenInfo struct {
	ID          uint64
	Owner       engine.Identity
	VaultID     uint64
	MetadataURI string
}

// Token reports a live token's owner, linkage and metadata URI.
func (s *Service) Token(tokenID uint64) (TokenInfo, error) {
	var info TokenInfo

	owner, ok := s.reg.OwnerOf(tokenID)
	if !ok {
		// Distinguish never-minted from burned via the engine's linkage
		if tokenID == 0 || tokenID > s.engine.TokenCount() {
			return info, engine.ErrTokenNotFound
		}
		return info, engine.ErrTokenBurned
	}

	vaultID, err := s.engine.VaultIDForToken(tokenID)
	if err != nil {
		return info, err
	}
	uri, err := s.reg.MetadataURI(tokenID)
	if err != nil {
		return info, err
	}
	return TokenInfo{ID: tokenID, Owner: owner, VaultID: vaultID, MetadataURI: uri}, nil
}
