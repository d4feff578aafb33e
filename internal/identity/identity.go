// Package identity provides node identity management for the Wave mesh.
//
// A NodeId is the 32-byte Ed25519 public key that addresses a peer on the
// overlay. It is displayed in its canonical unpadded base32 form so it can
// be embedded as the last dot-separated label of a SOCKS5 target domain
// (e.g. "api.<nodeid>:443").
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// IDSize is the size of a NodeId in bytes (Ed25519 public key length).
const IDSize = ed25519.PublicKeySize // 32

// SeedSize is the size of the Ed25519 private seed persisted to disk.
const SeedSize = ed25519.SeedSize // 32

// keyFileName is the name of the file storing the node's private seed.
const keyFileName = "node_key"

var (
	// ErrInvalidIDLength is returned when a NodeId byte slice has the wrong length.
	ErrInvalidIDLength = errors.New("invalid node id length: expected 32 bytes")

	// ErrInvalidNodeID is returned when a NodeId string is malformed base32.
	ErrInvalidNodeID = errors.New("invalid node id encoding")

	// ZeroID represents an uninitialized NodeId.
	ZeroID = NodeId{}
)

// base32Encoding is the canonical, unpadded, lowercase NodeId text encoding.
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NodeId is the 32-byte Ed25519 public key identifying a peer on the overlay.
type NodeId [IDSize]byte

// NewNodeId returns a NodeId of 32 random bytes; no keypair or seed is
// generated, so no private key matches it.
// NewNodeId exists mainly for tests; real identities come from a Keypair.
func NewNodeId() (NodeId, error) {
	var id NodeId
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroID, fmt.Errorf("generate node id: %w", err)
	}
	return id, nil
}

// ParseNodeId parses a NodeId from its canonical base32 form.
func ParseNodeId(s string) (NodeId, error) {
	s = strings.TrimSpace(s)
	decoded, err := base32Encoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return ZeroID, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	return FromBytes(decoded)
}

// FromBytes creates a NodeId from a 32-byte slice.
func FromBytes(b []byte) (NodeId, error) {
	if len(b) != IDSize {
		return ZeroID, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id NodeId
	copy(id[:], b)
	return id, nil
}

// String returns the canonical lowercase base32 representation of the NodeId.
func (id NodeId) String() string {
	return strings.ToLower(base32Encoding.EncodeToString(id[:]))
}

// ShortString returns a shortened representation (first 8 chars) for logging.
func (id NodeId) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Bytes returns the NodeId as a byte slice.
func (id NodeId) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the NodeId is uninitialized (all zeros).
func (id NodeId) IsZero() bool {
	return id == ZeroID
}

// Equal returns true if two NodeIds are identical.
func (id NodeId) Equal(other NodeId) bool {
	return id == other
}

// PublicKey returns the NodeId as an ed25519.PublicKey.
func (id NodeId) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeId) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeId(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Keypair holds a node's Ed25519 identity: its NodeId and signing key.
type Keypair struct {
	ID      NodeId
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a brand-new random identity keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	id, err := FromBytes(pub)
	if err != nil {
		return nil, err
	}
	return &Keypair{ID: id, Private: priv}, nil
}

// KeypairFromSeed derives a keypair from a 32-byte seed.
func KeypairFromSeed(seed [SeedSize]byte) (*Keypair, error) {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)
	id, err := FromBytes(pub)
	if err != nil {
		return nil, err
	}
	return &Keypair{ID: id, Private: priv}, nil
}

// Seed returns the 32-byte private seed backing the keypair.
func (k *Keypair) Seed() [SeedSize]byte {
	var seed [SeedSize]byte
	copy(seed[:], k.Private.Seed())
	return seed
}

// Store persists the keypair's seed to the specified data directory.
func (k *Keypair) Store(dataDir string) error {
	if k.ID.IsZero() {
		return errors.New("cannot store zero node id")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	seed := k.Seed()
	filePath := filepath.Join(dataDir, keyFileName)
	tempPath := filePath + ".tmp"

	if err := os.WriteFile(tempPath, []byte(base32Encoding.EncodeToString(seed[:])+"\n"), 0600); err != nil {
		return fmt.Errorf("write node key: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("persist node key: %w", err)
	}

	return nil
}

// LoadKeypair reads a persisted keypair from the specified data directory.
func LoadKeypair(dataDir string) (*Keypair, error) {
	filePath := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("node key not found at %s", filePath)
		}
		return nil, fmt.Errorf("read node key: %w", err)
	}

	decoded, err := base32Encoding.DecodeString(strings.ToUpper(strings.TrimSpace(string(data))))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	if len(decoded) != SeedSize {
		return nil, fmt.Errorf("invalid node key length: expected %d bytes, got %d", SeedSize, len(decoded))
	}

	var seed [SeedSize]byte
	copy(seed[:], decoded)
	return KeypairFromSeed(seed)
}

// LoadOrCreateKeypair loads an existing keypair from the data directory, or
// generates and persists a new one if none exists.
func LoadOrCreateKeypair(dataDir string) (kp *Keypair, created bool, err error) {
	kp, err = LoadKeypair(dataDir)
	if err == nil {
		return kp, false, nil
	}

	if !strings.Contains(err.Error(), "not found") {
		return nil, false, err
	}

	kp, err = GenerateKeypair()
	if err != nil {
		return nil, false, err
	}

	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}

	return kp, true, nil
}

// Exists checks if a node key file exists in the data directory.
func Exists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}
