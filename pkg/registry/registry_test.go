package registry

import (
	"errors"
	"testing"

	"github.com/forest6511/timevault/pkg/engine"
)

func TestMintAndOwnerOf(t *testing.T) {
	r := New()

	if err := r.Mint("alice", 1, "cas://sha256/ab"); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	owner, ok := r.OwnerOf(1)
	if !ok || owner != "alice" {
		t.Errorf("OwnerOf(1) = %q, %v", owner, ok)
	}
	if uri, err := r.MetadataURI(1); err != nil || uri != "cas://sha256/ab" {
		t.Errorf("MetadataURI(1) = %q, %v", uri, err)
	}

	// Ids are never reused.
	if err := r.Mint("bob", 1, ""); !errors.Is(err, ErrAlreadyMinted) {
		t.Errorf("duplicate Mint: got %v, want ErrAlreadyMinted", err)
	}

	if _, ok := r.OwnerOf(99); ok {
		t.Error("OwnerOf(99) resolved for never-minted id")
	}
}

func TestTransfer(t *testing.T) {
	r := New()
	if err := r.Mint("alice", 1, ""); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if err := r.Transfer("bob", "carol", 1); !errors.Is(err, ErrNotTokenOwner) {
		t.Errorf("Transfer by non-owner: got %v, want ErrNotTokenOwner", err)
	}
	if err := r.Transfer("alice", "", 1); !errors.Is(err, ErrInvalidRecipient) {
		t.Errorf("Transfer to empty identity: got %v, want ErrInvalidRecipient", err)
	}
	if err := r.Transfer("alice", "bob", 2); !errors.Is(err, ErrTokenDoesNotExist) {
		t.Errorf("Transfer of unknown token: got %v, want ErrTokenDoesNotExist", err)
	}

	if err := r.Transfer("alice", "bob", 1); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if owner, _ := r.OwnerOf(1); owner != "bob" {
		t.Errorf("owner after transfer = %q, want bob", owner)
	}
}

func TestBurn(t *testing.T) {
	r := New()
	if err := r.Mint("alice", 1, ""); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if err := r.Burn(2); !errors.Is(err, ErrTokenDoesNotExist) {
		t.Errorf("Burn unknown: got %v, want ErrTokenDoesNotExist", err)
	}
	if err := r.Burn(1); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	if _, ok := r.OwnerOf(1); ok {
		t.Error("burned token still resolves")
	}
	if err := r.Burn(1); !errors.Is(err, ErrTokenDoesNotExist) {
		t.Errorf("double Burn: got %v, want ErrTokenDoesNotExist", err)
	}
	// A burned id stays retired forever.
	if err := r.Mint("alice", 1, ""); !errors.Is(err, ErrAlreadyMinted) {
		t.Errorf("re-Mint of burned id: got %v, want ErrAlreadyMinted", err)
	}
}

func TestRestore(t *testing.T) {
	tokens := []Token{
		{ID: 2, Owner: engine.Identity("bob"), MetadataURI: "cas://sha256/cd"},
	}
	r := Restore(tokens, 2)

	// Token 1 was minted and burned before the restart.
	if _, ok := r.OwnerOf(1); ok {
		t.Error("burned token resolved after restore")
	}
	if err := r.Mint("alice", 1, ""); !errors.Is(err, ErrAlreadyMinted) {
		t.Errorf("re-Mint of retired id after restore: got %v, want ErrAlreadyMinted", err)
	}
	if owner, ok := r.OwnerOf(2); !ok || owner != "bob" {
		t.Errorf("OwnerOf(2) = %q, %v", owner, ok)
	}
	if err := r.Mint("carol", 3, ""); err != nil {
		t.Fatalf("Mint fresh id after restore: %v", err)
	}
}
