// Package registry implements the proof-token ownership registry consumed by
// the vault engine: issuance, ownership lookup, transfer, and destruction of
// non-fungible proof tokens.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/forest6511/timevault/pkg/engine"
)

// Registry errors
var (
	// ErrAlreadyMinted indicates the token id was minted before. Ids are never
	// reused, even after a burn.
	ErrAlreadyMinted = errors.New("registry: token id already minted")

	// ErrTokenDoesNotExist indicates the token was never minted or has been burned.
	ErrTokenDoesNotExist = errors.New("registry: token does not exist")

	// ErrNotTokenOwner indicates a transfer by someone other than the owner.
	ErrNotTokenOwner = errors.New("registry: caller does not own token")

	// ErrInvalidRecipient indicates a transfer to the empty identity.
	ErrInvalidRecipient = errors.New("registry: invalid recipient")
)

// Token is one live proof token.
type Token struct {
	ID          uint64
	Owner       engine.Identity
	MetadataURI string
}

// Registry tracks token ownership. Tokens are freely transferable as assets;
// whether a token carries redemption rights is the engine's concern, not the
// registry's. Implements engine.TokenRegistry.
type Registry struct {
	mu     sync.RWMutex
	tokens map[uint64]Token
	// minted remembers every id ever issued so burned ids cannot be re-minted.
	minted map[uint64]bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tokens: make(map[uint64]Token),
		minted: make(map[uint64]bool),
	}
}

// Restore seeds the registry with previously persisted tokens. mintedThrough
// is the highest token id ever issued; every id up to it is marked minted.
func Restore(tokens []Token, mintedThrough uint64) *Registry {
	r := New()
	for _, t := range tokens {
		r.tokens[t.ID] = t
	}
	for id := uint64(1); id <= mintedThrough; id++ {
		r.minted[id] = true
	}
	return r
}

// Mint issues tokenID to owner. Fails if the id was ever minted before.
func (r *Registry) Mint(owner engine.Identity, tokenID uint64, metadataURI string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.minted[tokenID] {
		return fmt.Errorf("%w: %d", ErrAlreadyMinted, tokenID)
	}
	r.minted[tokenID] = true
	r.tokens[tokenID] = Token{ID: tokenID, Owner: owner, MetadataURI: metadataURI}
	return nil
}

// OwnerOf reports the current owner of tokenID. ok is false for never-minted
// and burned ids alike; existence probing never needs error handling.
func (r *Registry) OwnerOf(tokenID uint64) (engine.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[tokenID]
	if !ok {
		return "", false
	}
	return t.Owner, true
}

// Transfer moves tokenID from its current owner to recipient. Only the
// current owner may transfer.
func (r *Registry) Transfer(from, to engine.Identity, tokenID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[tokenID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTokenDoesNotExist, tokenID)
	}
	if t.Owner != from {
		return ErrNotTokenOwner
	}
	if to == "" {
		return ErrInvalidRecipient
	}
	t.Owner = to
	r.tokens[tokenID] = t
	return nil
}

// Burn destroys tokenID. The id remains marked as minted forever.
func (r *Registry) Burn(tokenID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[tokenID]; !ok {
		return fmt.Errorf("%w: %d", ErrTokenDoesNotExist, tokenID)
	}
	delete(r.tokens, tokenID)
	return nil
}

// MetadataURI returns the metadata URI attached at mint time.
func (r *Registry) MetadataURI(tokenID uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[tokenID]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrTokenDoesNotExist, tokenID)
	}
	return t.MetadataURI, nil
}

// Tokens returns copies of all live tokens in unspecified order.
func (r *Registry) Tokens() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	return out
}
