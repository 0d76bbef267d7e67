// Package ledger implements the value substrate under the vault engine: an
// account book with atomic transfers, an escrow account reachable only
// through the engine's handle, and the clock capability.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/forest6511/timevault/pkg/engine"
)

// Book errors
var (
	// ErrInsufficientFunds indicates the source account cannot cover the transfer.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrUnsolicitedTransfer indicates a direct transfer touching the escrow
	// account. Value enters and leaves escrow only through the engine.
	ErrUnsolicitedTransfer = errors.New("ledger: direct transfer to escrow rejected")

	// ErrBalanceOverflow indicates the destination balance would overflow.
	ErrBalanceOverflow = errors.New("ledger: balance overflow")

	// ErrInvalidAccount indicates an empty account identity.
	ErrInvalidAccount = errors.New("ledger: invalid account")
)

// EscrowAccount is the identity holding all locked value.
const EscrowAccount = engine.Identity("escrow")

// Book is an in-memory account book keyed by identity.
type Book struct {
	mu       sync.Mutex
	balances map[engine.Identity]engine.Amount
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{balances: make(map[engine.Identity]engine.Amount)}
}

// Restore seeds the book with persisted balances, including the escrow balance.
func Restore(balances map[engine.Identity]engine.Amount) *Book {
	b := NewBook()
	for id, amt := range balances {
		b.balances[id] = amt
	}
	return b
}

// Balance returns the balance of id (zero for unknown accounts).
func (b *Book) Balance(id engine.Identity) engine.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[id]
}

// Credit adds amount to id's balance. Used by the development faucet; direct
// credits to escrow are rejected unconditionally.
func (b *Book) Credit(id engine.Identity, amount engine.Amount) error {
	if id == "" {
		return ErrInvalidAccount
	}
	if id == EscrowAccount {
		return ErrUnsolicitedTransfer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credit(id, amount)
}

// Transfer moves amount between two ordinary accounts atomically. Transfers
// into or out of escrow are rejected; only the engine's Escrow handle may
// move escrowed value.
func (b *Book) Transfer(from, to engine.Identity, amount engine.Amount) error {
	if from == "" || to == "" {
		return ErrInvalidAccount
	}
	if from == EscrowAccount || to == EscrowAccount {
		return ErrUnsolicitedTransfer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(from, to, amount)
}

// Balances returns a copy of every balance, escrow included.
func (b *Book) Balances() map[engine.Identity]engine.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[engine.Identity]engine.Amount, len(b.balances))
	for id, amt := range b.balances {
		out[id] = amt
	}
	return out
}

// move debits from and credits to as one step. Caller holds b.mu.
func (b *Book) move(from, to engine.Identity, amount engine.Amount) error {
	if b.balances[from] < amount {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientFunds, from, b.balances[from], amount)
	}
	if err := b.checkOverflow(to, amount); err != nil {
		return err
	}
	b.balances[from] -= amount
	b.balances[to] += amount
	return nil
}

// credit adds to a balance with overflow check. Caller holds b.mu.
func (b *Book) credit(id engine.Identity, amount engine.Amount) error {
	if err := b.checkOverflow(id, amount); err != nil {
		return err
	}
	b.balances[id] += amount
	return nil
}

func (b *Book) checkOverflow(id engine.Identity, amount engine.Amount) error {
	if b.balances[id] > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	return nil
}

// Escrow returns the transfer handle the engine uses to move value in and out
// of the escrow account. It is the only path that touches escrow.
func (b *Book) Escrow() engine.Transferor {
	return escrowHandle{book: b}
}

type escrowHandle struct {
	book *Book
}

// TransferIn pulls a deposit from the depositor into escrow.
func (h escrowHandle) TransferIn(from engine.Identity, amount engine.Amount) error {
	if from == "" {
		return ErrInvalidAccount
	}
	h.book.mu.Lock()
	defer h.book.mu.Unlock()
	return h.book.move(from, EscrowAccount, amount)
}

// TransferOut pays a withdrawal out of escrow.
func (h escrowHandle) TransferOut(to engine.Identity, amount engine.Amount) error {
	if to == "" {
		return ErrInvalidAccount
	}
	h.book.mu.Lock()
	defer h.book.mu.Unlock()
	return h.book.move(EscrowAccount, to, amount)
}
