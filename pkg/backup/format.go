package backup

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Magic number identifying a timevault snapshot file: "TVLT_BKP"
var MagicNumber = [8]byte{'T', 'V', 'L', 'T', '_', 'B', 'K', 'P'}

// Current snapshot format version.
const FormatVersion = 1

// EncryptionMode specifies how the snapshot payload is encrypted.
type EncryptionMode string

const (
	// EncryptionModePassphrase derives keys from a passphrase via Argon2id.
	EncryptionModePassphrase EncryptionMode = "passphrase"
	// EncryptionModeKey uses a raw 32-byte key file.
	EncryptionModeKey EncryptionMode = "key"
)

// KDFParams contains Argon2id key derivation parameters. They are stored in
// the header so older snapshots stay readable if the defaults ever change.
type KDFParams struct {
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// Header contains snapshot metadata. It is written in the clear so a
// snapshot can be inspected without the passphrase.
type Header struct {
	Version          int            `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	StoreVersion     int            `json:"store_version"`
	EncryptionMode   EncryptionMode `json:"encryption_mode"`
	KDFParams        *KDFParams     `json:"kdf_params,omitempty"` // nil for EncryptionModeKey
	IncludesAudit    bool           `json:"includes_audit"`
	IncludesMetadata bool           `json:"includes_metadata"`
	VaultCount       int            `json:"vault_count"`
	AccountCount     int            `json:"account_count"`
	ChecksumAlgo     string         `json:"checksum_algorithm"`
}

// Payload is the complete state of a data directory. Restoring it as a unit
// keeps the ledger, token registry and audit chain consistent with each
// other, which a file-by-file copy of a live directory cannot guarantee.
type Payload struct {
	StoreKey  []byte            `json:"store_key"`  // store.key
	StoreMeta []byte            `json:"store_meta"` // store.meta JSON
	StoreDB   []byte            `json:"store_db"`   // timevault.db SQLite
	Audit     map[string][]byte `json:"audit,omitempty"` // file name -> jsonl segment or audit.meta
	Metadata  map[string][]byte `json:"metadata,omitempty"` // relative shard path -> document
}

// WriteHeader writes the magic number and header to the writer.
func WriteHeader(w io.Writer, header *Header) error {
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("failed to write magic number: %w", err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	// Length-prefixed header: 4 bytes big-endian, then JSON.
	headerLen := uint32(len(headerJSON))
	if err := binary.Write(w, binary.BigEndian, headerLen); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	return nil
}

// ReadHeader reads and validates the magic number and header from the reader.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("failed to read magic number: %w", err)
	}
	if magic != MagicNumber {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}

	// Sanity cap: a snapshot header never approaches 1MB.
	if headerLen > 1024*1024 {
		return nil, fmt.Errorf("header too large: %d bytes", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}

	if header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: got %d, max supported %d",
			ErrUnsupportedVersion, header.Version, FormatVersion)
	}

	return &header, nil
}

// EncodePayload encodes the payload to JSON bytes.
func EncodePayload(payload *Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload decodes JSON bytes to a payload.
func DecodePayload(data []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &payload, nil
}
