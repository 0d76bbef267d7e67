package engine

import "time"

// Info is the read-only view of a vault returned by VaultInfo.
type Info struct {
	VaultID    uint64
	Owner      Identity
	Amount     Amount
	UnlockTime time.Time
	Withdrawn  bool

	// Unlocked is derived at query time: now >= UnlockTime.
	Unlocked bool

	// TokenID is the forward linkage entry (permanent provenance).
	TokenID uint64

	CreatedAt time.Time
}

// VaultInfo returns the vault record plus the derived unlock state. It fails
// with ErrVaultNotFound or ErrInvalidVault under the same conditions as the
// first two withdrawal preconditions.
func (e *Engine) VaultInfo(vaultID uint64) (Info, error) {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if vaultID == 0 || vaultID > uint64(len(e.vaults)) {
		return Info{}, ErrVaultNotFound
	}
	v := e.vaults[vaultID-1]
	if v.Owner == "" {
		return Info{}, ErrInvalidVault
	}
	return Info{
		VaultID:    v.ID,
		Owner:      v.Owner,
		Amount:     v.Amount,
		UnlockTime: v.UnlockTime,
		Withdrawn:  v.Withdrawn,
		Unlocked:   !now.Before(v.UnlockTime),
		TokenID:    v.TokenID,
		CreatedAt:  v.CreatedAt,
	}, nil
}

// TokenIDForVault returns the token minted for vaultID. If the token has
// since been burned the result is ErrTokenBurned, distinct from
// ErrNoTokenForVault which means no token was ever minted.
func (e *Engine) TokenIDForVault(vaultID uint64) (uint64, error) {
	e.mu.Lock()
	if vaultID == 0 || vaultID > uint64(len(e.vaults)) {
		e.mu.Unlock()
		return 0, ErrVaultNotFound
	}
	tokenID := e.vaults[vaultID-1].TokenID
	e.mu.Unlock()

	if tokenID == 0 {
		return 0, ErrNoTokenForVault
	}
	if _, ok := e.registry.OwnerOf(tokenID); !ok {
		return 0, ErrTokenBurned
	}
	return tokenID, nil
}

// VaultIDForToken resolves the reverse linkage. ErrTokenNotFound means the id
// was never allocated; ErrTokenNotLinked means the linkage has been severed by
// a burn.
func (e *Engine) VaultIDForToken(tokenID uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tokenID == 0 || tokenID > uint64(len(e.vaultByToken)) {
		return 0, ErrTokenNotFound
	}
	vaultID := e.vaultByToken[tokenID-1]
	if vaultID == 0 {
		return 0, ErrTokenNotLinked
	}
	return vaultID, nil
}

// VaultExists reports whether vaultID names a valid vault record.
func (e *Engine) VaultExists(vaultID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return vaultID >= 1 && vaultID <= uint64(len(e.vaults)) && e.vaults[vaultID-1].Owner != ""
}

// TokenExists reports whether tokenID currently exists in the registry.
// Burned tokens intentionally have no resolvable owner, so an unresolvable
// lookup is simply "does not exist".
func (e *Engine) TokenExists(tokenID uint64) bool {
	_, ok := e.registry.OwnerOf(tokenID)
	return ok
}

// VaultCount returns the number of vaults ever created. Monotonic.
func (e *Engine) VaultCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.vaults))
}

// TokenCount returns the number of tokens ever minted. Monotonic; burned
// tokens still count.
func (e *Engine) TokenCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.vaultByToken))
}

// Vaults returns copies of all vault records in id order.
func (e *Engine) Vaults() []Vault {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Vault(nil), e.vaults...)
}
