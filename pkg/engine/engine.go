// Package engine implements the time-locked value vault: vault creation with
// 1:1 proof-token minting, single-use withdrawal gated on the unlock time, and
// caller-initiated proof invalidation after redemption.
//
// The engine owns the vault ledger and the vault↔token linkage. Token custody,
// the clock, and value transfer are injected capabilities so the engine can be
// exercised against fakes.
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MaxLockDuration is the longest a deposit may be locked for.
const MaxLockDuration = 10 * 365 * 24 * time.Hour

// Identity is an account address. The engine compares identities only for
// equality; derivation and custody live elsewhere.
type Identity string

// Amount is a value amount in base units (1 unit = 1e9 base units).
type Amount uint64

// Vault is one locked-value commitment. ID, Owner, UnlockTime and TokenID are
// fixed at creation; Amount transitions to zero exactly once, atomically with
// Withdrawn flipping to true. Records are never deleted.
type Vault struct {
	ID         uint64
	Owner      Identity
	Amount     Amount
	UnlockTime time.Time
	Withdrawn  bool

	// TokenID is the forward linkage entry. It is permanent provenance and
	// survives the token's destruction.
	TokenID uint64

	CreatedAt time.Time
}

// TokenRegistry is the proof-token capability consumed by the engine.
// Ownership is delegated entirely to the registry; the engine never stores a
// token owner itself.
type TokenRegistry interface {
	// Mint issues tokenID to owner with the given metadata URI. It fails if
	// tokenID was ever minted before.
	Mint(owner Identity, tokenID uint64, metadataURI string) error

	// OwnerOf reports the current owner of tokenID. ok is false if the token
	// was never minted or has been burned.
	OwnerOf(tokenID uint64) (owner Identity, ok bool)

	// Burn destroys tokenID. It fails if the token does not currently exist.
	Burn(tokenID uint64) error
}

// Clock supplies the current timestamp. Each operation reads it exactly once.
type Clock interface {
	Now() time.Time
}

// Transferor moves value between the engine's escrow and caller accounts.
// Both directions must be atomic: an error means no value moved.
type Transferor interface {
	// TransferIn pulls a deposit from the depositor into escrow.
	TransferIn(from Identity, amount Amount) error

	// TransferOut pays a withdrawal out of escrow. It may re-enter engine
	// logic and must be treated as possibly failing.
	TransferOut(to Identity, amount Amount) error
}

// Engine is the vault state machine. All state is mutated only by Deposit,
// Withdraw and Burn, each under the engine-wide reentrancy guard. Queries are
// read-only and safe to call concurrently, including from within a transfer.
type Engine struct {
	registry TokenRegistry
	clock    Clock
	funds    Transferor
	sink     EventSink

	// busy is the non-reentrant guard. It is held for the full duration of a
	// mutating operation, including across the outbound transfer, and any
	// overlapping guarded call is rejected rather than queued.
	busy atomic.Bool

	mu sync.Mutex
	// vaults is the vault ledger, indexed by id-1. Ids are dense and
	// monotonic, so the arena doubles as the vault counter.
	vaults []Vault
	// vaultByToken is the reverse linkage, indexed by tokenID-1. A zero entry
	// means the proof has been invalidated. Its length is the token counter.
	vaultByToken []uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventSink sets the sink that receives audit events. Default: no events.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithState seeds the engine with previously persisted state. vaults must be
// dense (vaults[i].ID == i+1) and reverse must have one entry per ever-minted
// token.
func WithState(vaults []Vault, reverse []uint64) Option {
	return func(e *Engine) {
		e.vaults = append([]Vault(nil), vaults...)
		e.vaultByToken = append([]uint64(nil), reverse...)
	}
}

// New creates an Engine using the given collaborators.
func New(registry TokenRegistry, clock Clock, funds Transferor, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		clock:    clock,
		funds:    funds,
		sink:     NopSink{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// acquire takes the engine-wide reentrancy guard.
func (e *Engine) acquire() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

// release frees the guard. Deferred on every exit path of a guarded operation.
func (e *Engine) release() {
	e.busy.Store(false)
}

// Deposit locks amount until unlockTime and mints the proof token to caller,
// attaching metadataURI. It returns the new vault id and token id.
//
// Minting is unconditional on every successful deposit: there is no vault
// without exactly one ever-associated token.
func (e *Engine) Deposit(caller Identity, amount Amount, unlockTime time.Time, metadataURI string) (vaultID, tokenID uint64, err error) {
	if err := e.acquire(); err != nil {
		return 0, 0, err
	}
	defer e.release()

	now := e.clock.Now()
	if amount == 0 {
		return 0, 0, ErrInvalidAmount
	}
	if !unlockTime.After(now) {
		return 0, 0, ErrInvalidUnlockTime
	}
	if unlockTime.After(now.Add(MaxLockDuration)) {
		return 0, 0, ErrLockTooLong
	}

	// Pull the deposit into escrow before any mutation, so a failed transfer
	// leaves no record behind.
	if err := e.funds.TransferIn(caller, amount); err != nil {
		return 0, 0, fmt.Errorf("engine: deposit transfer failed: %w", err)
	}

	// Vault id and token id are allocated in lockstep; neither counter ever
	// decrements.
	e.mu.Lock()
	vaultID = uint64(len(e.vaults)) + 1
	tokenID = uint64(len(e.vaultByToken)) + 1
	e.vaults = append(e.vaults, Vault{
		ID:         vaultID,
		Owner:      caller,
		Amount:     amount,
		UnlockTime: unlockTime,
		TokenID:    tokenID,
		CreatedAt:  now,
	})
	e.vaultByToken = append(e.vaultByToken, vaultID)
	e.mu.Unlock()

	if err := e.registry.Mint(caller, tokenID, metadataURI); err != nil {
		// Roll back the record and refund. Mint can only fail on a duplicate
		// id, which the counter discipline rules out, so this is defensive.
		e.mu.Lock()
		e.vaults = e.vaults[:len(e.vaults)-1]
		e.vaultByToken = e.vaultByToken[:len(e.vaultByToken)-1]
		e.mu.Unlock()
		if refundErr := e.funds.TransferOut(caller, amount); refundErr != nil {
			return 0, 0, fmt.Errorf("%w: %v (refund also failed: %v)", ErrMintFailed, err, refundErr)
		}
		return 0, 0, fmt.Errorf("%w: %v", ErrMintFailed, err)
	}

	e.sink.VaultCreated(CreatedEvent{
		VaultID:    vaultID,
		Owner:      caller,
		Amount:     amount,
		UnlockTime: unlockTime,
		TokenID:    tokenID,
	})
	return vaultID, tokenID, nil
}

// Withdraw redeems the vault's value to the caller. Only the original
// depositor may withdraw, regardless of who currently holds the proof token;
// the token is a receipt, not a bearer instrument. Preconditions are checked
// in a fixed order so every failure is diagnosable.
func (e *Engine) Withdraw(caller Identity, vaultID uint64) (Amount, error) {
	if err := e.acquire(); err != nil {
		return 0, err
	}
	defer e.release()

	now := e.clock.Now()

	e.mu.Lock()
	if vaultID == 0 || vaultID > uint64(len(e.vaults)) {
		e.mu.Unlock()
		return 0, ErrVaultNotFound
	}
	v := &e.vaults[vaultID-1]
	switch {
	case v.Owner == "":
		e.mu.Unlock()
		return 0, ErrInvalidVault
	case v.Owner != caller:
		e.mu.Unlock()
		return 0, ErrNotOwner
	case v.Withdrawn:
		e.mu.Unlock()
		return 0, ErrAlreadyWithdrawn
	case now.Before(v.UnlockTime):
		e.mu.Unlock()
		return 0, ErrStillLocked
	case v.Amount == 0:
		e.mu.Unlock()
		return 0, ErrNoFunds
	}

	// Commit the mutation before the outbound transfer. A re-entrant call
	// from inside the transfer is rejected by the guard, and would in any
	// case observe withdrawn=true.
	amount := v.Amount
	v.Withdrawn = true
	v.Amount = 0
	e.mu.Unlock()

	if err := e.funds.TransferOut(caller, amount); err != nil {
		// The mutation and the transfer are one atomic unit: restore the
		// claim so the caller may retry.
		e.mu.Lock()
		rv := &e.vaults[vaultID-1]
		rv.Withdrawn = false
		rv.Amount = amount
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.sink.VaultWithdrawn(WithdrawnEvent{
		VaultID: vaultID,
		Owner:   caller,
		Amount:  amount,
	})
	return amount, nil
}

// Burn invalidates the proof token. It is a distinct, caller-initiated step:
// the withdrawer may keep the token as a receipt, but a token that still
// represents an outstanding claim cannot be destroyed. Burning severs the
// reverse linkage only; the forward linkage and vault record persist.
func (e *Engine) Burn(caller Identity, tokenID uint64) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	owner, ok := e.registry.OwnerOf(tokenID)
	if !ok || owner != caller {
		return ErrNotTokenOwner
	}

	e.mu.Lock()
	if tokenID == 0 || tokenID > uint64(len(e.vaultByToken)) || e.vaultByToken[tokenID-1] == 0 {
		e.mu.Unlock()
		return ErrNoAssociatedVault
	}
	vaultID := e.vaultByToken[tokenID-1]
	if !e.vaults[vaultID-1].Withdrawn {
		e.mu.Unlock()
		return ErrFundsNotWithdrawn
	}
	e.vaultByToken[tokenID-1] = 0
	e.mu.Unlock()

	if err := e.registry.Burn(tokenID); err != nil {
		e.mu.Lock()
		e.vaultByToken[tokenID-1] = vaultID
		e.mu.Unlock()
		return fmt.Errorf("engine: token burn failed: %w", err)
	}

	e.sink.ProofInvalidated(InvalidatedEvent{
		TokenID: tokenID,
		VaultID: vaultID,
		Owner:   caller,
	})
	return nil
}

// Snapshot returns a copy of the vault ledger and reverse linkage for
// persistence. The copy is consistent: no mutating operation was in flight
// while it was taken.
func (e *Engine) Snapshot() (vaults []Vault, reverse []uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Vault(nil), e.vaults...), append([]uint64(nil), e.vaultByToken...)
}
