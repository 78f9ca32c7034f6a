package crypto

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// PrivateKeySize is the length in bytes of a raw secp256k1 private key.
const PrivateKeySize = 32

var (
	// ErrInvalidKey is returned when key material cannot be decoded into a usable secp256k1 key.
	ErrInvalidKey = errors.New("crypto: invalid private key")
	// ErrEmptyKeyFile is returned when the key file has no first line to decode.
	ErrEmptyKeyFile = errors.New("crypto: empty key file")
)

// PrivateKey is the node identity key.
type PrivateKey = secp256k1.PrivateKey

// PublicKey is the public half of a node identity key.
type PublicKey = secp256k1.PublicKey

// GenerateID creates a unique 32-byte hexadecimal identifier by generating random bytes and encoding them.
// Returns:
//   - A unique ID string or an empty string if an error occurs during random byte generation.
func GenerateID() string {
	buf := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, buf)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

// GeneratePrivateKey creates a fresh random secp256k1 private key.
func GeneratePrivateKey() (*PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// ParsePrivateKeyHex decodes a hex encoded secp256k1 private key.
// Surrounding whitespace and an optional "0x" prefix are ignored.
//
// Parameters:
//   - s: The hex text, usually the first line of a key file.
//
// Returns:
//   - The private key, or an error wrapping ErrInvalidKey if the text is not 32 bytes of hex
//     or the scalar is zero or not below the curve order.
func ParsePrivateKeyHex(s string) (*PrivateKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != PrivateKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, PrivateKeySize, len(raw))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidKey)
	}
	if scalar.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrInvalidKey)
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

// LoadPrivateKey reads the first line of the file at path and decodes it with ParsePrivateKeyHex.
func LoadPrivateKey(path string) (*PrivateKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, ErrEmptyKeyFile
	}
	return ParsePrivateKeyHex(scanner.Text())
}

// EncodePrivateKeyHex returns the key in the key file line format ("0x" followed by 64 hex digits).
func EncodePrivateKeyHex(key *PrivateKey) string {
	return "0x" + hex.EncodeToString(key.Serialize())
}

// MarshalPublicKey returns the 33 byte compressed form of the key.
func MarshalPublicKey(pub *PublicKey) []byte {
	return pub.SerializeCompressed()
}

// UnmarshalPublicKey parses a compressed or uncompressed secp256k1 public key.
func UnmarshalPublicKey(b []byte) (*PublicKey, error) {
	return secp256k1.ParsePubKey(b)
}

// PeerID derives the stable peer identity from a public key: the hex sha256 of its compressed form.
func PeerID(pub *PublicKey) string {
	sum := sha256.Sum256(pub.SerializeCompressed())
	return hex.EncodeToString(sum[:])
}

// Sign hashes data with sha256 and returns the DER encoded ECDSA signature.
func Sign(key *PrivateKey, data []byte) []byte {
	hash := sha256.Sum256(data)
	return ecdsa.Sign(key, hash[:]).Serialize()
}

// Verify checks a DER encoded signature produced by Sign.
func Verify(pub *PublicKey, data, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	hash := sha256.Sum256(data)
	return parsed.Verify(hash[:], pub)
}
