package engine

import "errors"

// Validation errors: the caller supplied out-of-range input. No state change occurs.
var (
	// ErrInvalidAmount indicates a deposit with a zero value amount.
	ErrInvalidAmount = errors.New("engine: deposit amount must be positive")

	// ErrInvalidUnlockTime indicates an unlock time that is not in the future.
	ErrInvalidUnlockTime = errors.New("engine: unlock time must be in the future")

	// ErrLockTooLong indicates an unlock time beyond the maximum lock duration.
	ErrLockTooLong = errors.New("engine: unlock time exceeds maximum lock duration")
)

// Lookup errors: the referenced entity is absent or in the wrong relational state.
var (
	// ErrVaultNotFound indicates a vault id outside [1, vaultCount].
	ErrVaultNotFound = errors.New("engine: vault not found")

	// ErrInvalidVault indicates a vault record with no owner. Unreachable given
	// counter discipline; kept as a defensive check.
	ErrInvalidVault = errors.New("engine: invalid vault record")

	// ErrTokenNotFound indicates a token id outside [1, tokenCount].
	ErrTokenNotFound = errors.New("engine: token not found")

	// ErrTokenNotLinked indicates a token with no reverse linkage entry,
	// i.e. one whose proof has been invalidated.
	ErrTokenNotLinked = errors.New("engine: token is not linked to a vault")

	// ErrNoAssociatedVault indicates a burn request for a token with no vault.
	ErrNoAssociatedVault = errors.New("engine: no vault associated with token")

	// ErrNoTokenForVault indicates a vault that never had a token minted.
	ErrNoTokenForVault = errors.New("engine: no token for vault")

	// ErrTokenBurned indicates the vault's token was minted but has since been
	// destroyed; the forward linkage is retained as provenance only.
	ErrTokenBurned = errors.New("engine: token has been burned")
)

// Authorization errors: caller identity mismatch.
var (
	// ErrNotOwner indicates the caller is not the vault's original depositor.
	ErrNotOwner = errors.New("engine: caller is not the vault owner")

	// ErrNotTokenOwner indicates the caller does not currently own the token.
	ErrNotTokenOwner = errors.New("engine: caller is not the token owner")
)

// State errors: the operation is valid in general but not for the entity's
// current lifecycle state.
var (
	// ErrAlreadyWithdrawn indicates the vault's single withdrawal already happened.
	ErrAlreadyWithdrawn = errors.New("engine: vault already withdrawn")

	// ErrStillLocked indicates the unlock time has not been reached.
	ErrStillLocked = errors.New("engine: vault is still locked")

	// ErrNoFunds indicates a zero redeemable amount. Implied by ErrAlreadyWithdrawn;
	// kept as a defensive check.
	ErrNoFunds = errors.New("engine: vault has no funds")

	// ErrFundsNotWithdrawn indicates a burn attempt while the vault still
	// represents an outstanding claim.
	ErrFundsNotWithdrawn = errors.New("engine: funds not yet withdrawn")
)

// Execution errors.
var (
	// ErrReentrantCall indicates a guarded operation was entered while another
	// guarded operation was in flight on the same engine.
	ErrReentrantCall = errors.New("engine: reentrant call rejected")

	// ErrTransferFailed indicates the outbound value transfer was rejected. The
	// withdrawal rolls back entirely; the funds remain claimable.
	ErrTransferFailed = errors.New("engine: value transfer failed")

	// ErrMintFailed indicates token issuance was rejected by the registry. The
	// deposit rolls back entirely.
	ErrMintFailed = errors.New("engine: token mint failed")
)
