// Package metadata provides content-addressed storage for proof-token
// metadata documents and images. Blobs are stored under their SHA-256 digest
// and referenced by cas://sha256/<hex> URIs, so a URI embedded in a token is
// verifiable against the bytes it names.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// URIScheme prefixes every content-addressed URI.
	URIScheme = "cas://sha256/"

	// FileMode restricts blobs to the owner.
	FileMode = 0600

	// DirMode restricts the store directory to the owner.
	DirMode = 0700
)

// Errors
var (
	// ErrInvalidURI indicates a URI that is not cas://sha256/<64 hex chars>.
	ErrInvalidURI = errors.New("metadata: invalid content-addressed URI")

	// ErrNotFound indicates no blob stored under the given URI.
	ErrNotFound = errors.New("metadata: blob not found")

	// ErrDigestMismatch indicates stored bytes no longer match their address.
	ErrDigestMismatch = errors.New("metadata: blob digest mismatch")
)

// Attribute is one display attribute of a token metadata document.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

// TokenMetadata is the document attached to a proof token at mint time.
type TokenMetadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Image       string      `json:"image,omitempty"`
	Attributes  []Attribute `json:"attributes,omitempty"`
}

// NewTokenMetadata builds a metadata document. The name is NFC-normalized so
// the same visible name always hashes to the same document.
func NewTokenMetadata(name, description, imageURI string, attrs []Attribute) TokenMetadata {
	return TokenMetadata{
		Name:        norm.NFC.String(name),
		Description: norm.NFC.String(description),
		Image:       imageURI,
		Attributes:  attrs,
	}
}

// Store is a directory-backed content-addressed blob store.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Put writes data and returns its content-addressed URI. Storing the same
// bytes twice is a no-op returning the same URI.
func (s *Store) Put(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	hexDigest := hex.EncodeToString(digest[:])

	// Shard by the first byte to keep directories small.
	dir := filepath.Join(s.dir, hexDigest[:2])
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return "", fmt.Errorf("metadata: failed to create store directory: %w", err)
	}
	path := filepath.Join(dir, hexDigest)
	if _, err := os.Stat(path); err == nil {
		return URIScheme + hexDigest, nil
	}
	if err := os.WriteFile(path, data, FileMode); err != nil {
		return "", fmt.Errorf("metadata: failed to write blob: %w", err)
	}
	return URIScheme + hexDigest, nil
}

// PutJSON marshals m and stores it, returning its URI.
func (s *Store) PutJSON(m TokenMetadata) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("metadata: failed to marshal document: %w", err)
	}
	return s.Put(data)
}

// Get reads the blob a URI names, verifying its digest.
func (s *Store) Get(uri string) ([]byte, error) {
	hexDigest, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, hexDigest[:2], hexDigest)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return nil, fmt.Errorf("metadata: failed to read blob: %w", err)
	}
	digest := sha256.Sum256(data)
	if hex.EncodeToString(digest[:]) != hexDigest {
		return nil, fmt.Errorf("%w: %s", ErrDigestMismatch, uri)
	}
	return data, nil
}

// GetJSON reads and unmarshals a stored metadata document.
func (s *Store) GetJSON(uri string) (TokenMetadata, error) {
	data, err := s.Get(uri)
	if err != nil {
		return TokenMetadata{}, err
	}
	var m TokenMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return TokenMetadata{}, fmt.Errorf("metadata: failed to unmarshal document: %w", err)
	}
	return m, nil
}

// parseURI validates a cas://sha256/ URI and returns the hex digest.
func parseURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, URIScheme) {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	hexDigest := strings.TrimPrefix(uri, URIScheme)
	if len(hexDigest) != 64 {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	if _, err := hex.DecodeString(hexDigest); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	return hexDigest, nil
}
