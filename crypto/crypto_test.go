package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "0x1f4a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8"

// TestGenerateID tests if the GenerateID function creates unique 32-byte hexadecimal IDs.
func TestGenerateID(t *testing.T) {
	id1 := GenerateID()
	id2 := GenerateID()

	assert.NotEqual(t, id1, id2, "Generated IDs should be unique")
	assert.Equal(t, 64, len(id1), "Generated ID should be a 32-byte hex string (64 characters)")
	assert.Equal(t, 64, len(id2), "Generated ID should be a 32-byte hex string (64 characters)")
}

// TestParsePrivateKeyHex checks the accepted spellings of a key line.
func TestParsePrivateKeyHex(t *testing.T) {
	withPrefix, err := ParsePrivateKeyHex(testKeyHex)
	require.NoError(t, err)

	withoutPrefix, err := ParsePrivateKeyHex(strings.TrimPrefix(testKeyHex, "0x"))
	require.NoError(t, err)

	padded, err := ParsePrivateKeyHex("  " + testKeyHex + "\r\n")
	require.NoError(t, err)

	assert.Equal(t, withPrefix.Serialize(), withoutPrefix.Serialize())
	assert.Equal(t, withPrefix.Serialize(), padded.Serialize())
	assert.Equal(t, testKeyHex, EncodePrivateKeyHex(withPrefix))
}

// TestParsePrivateKeyHexRejectsMalformed covers every way a key line can be unusable.
func TestParsePrivateKeyHexRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"not hex":   "0xzz4a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8",
		"short":     "0x1f4a1b2c",
		"long":      testKeyHex + "00",
		"zero":      "0x" + strings.Repeat("00", 32),
		"above n":   "0x" + strings.Repeat("ff", 32),
		"odd digit": "0x1",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePrivateKeyHex(in)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

// TestLoadPrivateKey reads only the first line of the key file.
func TestLoadPrivateKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0_privkey")
	require.NoError(t, os.WriteFile(path, []byte(testKeyHex+"\nsecond line is ignored\n"), 0o600))

	key, err := LoadPrivateKey(path)
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, EncodePrivateKeyHex(key))
}

// TestLoadPrivateKeyErrors makes sure unreadable and empty files fail.
func TestLoadPrivateKeyErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPrivateKey(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = LoadPrivateKey(empty)
	assert.ErrorIs(t, err, ErrEmptyKeyFile)

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("hello\n"), 0o600))
	_, err = LoadPrivateKey(garbage)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

// TestSignVerify checks signatures against the right and the wrong key.
func TestSignVerify(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	other, err := GeneratePrivateKey()
	require.NoError(t, err)

	msg := []byte("noise static key")
	sig := Sign(key, msg)

	assert.True(t, Verify(key.PubKey(), msg, sig))
	assert.False(t, Verify(other.PubKey(), msg, sig))
	assert.False(t, Verify(key.PubKey(), []byte("tampered"), sig))
	assert.False(t, Verify(key.PubKey(), msg, []byte{0x30, 0x01}))
}

// TestPublicKeyRoundTripAndPeerID ensures peer ids survive the wire encoding.
func TestPublicKeyRoundTripAndPeerID(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	raw := MarshalPublicKey(key.PubKey())
	assert.Len(t, raw, 33)

	pub, err := UnmarshalPublicKey(raw)
	require.NoError(t, err)
	assert.True(t, pub.IsEqual(key.PubKey()))
	assert.Equal(t, PeerID(key.PubKey()), PeerID(pub))
	assert.Len(t, PeerID(pub), 64)
}
