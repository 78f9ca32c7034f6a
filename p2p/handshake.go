package p2p

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"
	"github.com/muhammadmahdiamirpour/p2psimple/crypto"
)

// staticKeySigPrefix binds a Noise static key to the node's secp256k1 identity.
const staticKeySigPrefix = "p2psimple-noise-static:"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// newStaticKeypair generates the Curve25519 keypair a service uses for every handshake.
func newStaticKeypair() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

// secureHandshake runs a Noise XX handshake over conn and authenticates the remote
// node by the identity payload it sends.
//
// Parameters:
//   - conn: The raw connection; the caller owns its deadline.
//   - key: This node's identity key.
//   - static: This service's Noise static keypair.
//   - initiator: True on the dialing side.
//
// Returns:
//   - *secureConn: The encrypted connection carrying the remote peer ID.
//   - error: Any failure, wrapped with ErrHandshake.
func secureHandshake(conn net.Conn, key *crypto.PrivateKey, static noise.DHKey, initiator bool) (*secureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	payload := identityPayload(key, static.Public)

	var send, recv *noise.CipherState
	var remote []byte
	if initiator {
		send, recv, remote, err = initiatorHandshake(conn, hs, payload)
	} else {
		send, recv, remote, err = responderHandshake(conn, hs, payload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	peerID, err := verifyIdentityPayload(remote, hs.PeerStatic())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	return &secureConn{
		Conn:       conn,
		send:       send,
		recv:       recv,
		remotePeer: peerID,
	}, nil
}

// -> e
// <- e, ee, s, es, payload
// -> s, se, payload
func initiatorHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := writeHandshakeMessage(conn, msg); err != nil {
		return nil, nil, nil, err
	}

	msg, err = readHandshakeMessage(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	remote, _, _, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, nil, err
	}

	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := writeHandshakeMessage(conn, msg); err != nil {
		return nil, nil, nil, err
	}
	return cs1, cs2, remote, nil
}

func responderHandshake(conn net.Conn, hs *noise.HandshakeState, payload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg, err := readHandshakeMessage(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, nil, err
	}

	msg, _, _, err = hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := writeHandshakeMessage(conn, msg); err != nil {
		return nil, nil, nil, err
	}

	msg, err = readHandshakeMessage(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	remote, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, nil, err
	}
	// The responder sends with the second cipher state.
	return cs2, cs1, remote, nil
}

// identityPayload is [len(pub)][compressed secp256k1 pub][DER signature].
func identityPayload(key *crypto.PrivateKey, noiseStatic []byte) []byte {
	pub := crypto.MarshalPublicKey(key.PubKey())
	sig := crypto.Sign(key, append([]byte(staticKeySigPrefix), noiseStatic...))

	out := make([]byte, 0, 1+len(pub)+len(sig))
	out = append(out, byte(len(pub)))
	out = append(out, pub...)
	return append(out, sig...)
}

func verifyIdentityPayload(payload, noiseStatic []byte) (string, error) {
	if len(payload) < 1 || len(payload) < 1+int(payload[0]) {
		return "", errors.New("short identity payload")
	}
	pubLen := int(payload[0])
	pub, err := crypto.UnmarshalPublicKey(payload[1 : 1+pubLen])
	if err != nil {
		return "", fmt.Errorf("identity key: %w", err)
	}
	if len(noiseStatic) != 32 {
		return "", fmt.Errorf("invalid remote static key length %d", len(noiseStatic))
	}
	if !crypto.Verify(pub, append([]byte(staticKeySigPrefix), noiseStatic...), payload[1+pubLen:]) {
		return "", errors.New("static key not signed by identity key")
	}
	return crypto.PeerID(pub), nil
}

func writeHandshakeMessage(w io.Writer, msg []byte) error {
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := w.Write(buf)
	return err
}

func readHandshakeMessage(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
