package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"
)

// maxPlaintext is the largest plaintext that fits one record after the AEAD tag.
const maxPlaintext = 65535 - 16

// secureConn encrypts everything written to the wrapped connection as records of
// [2 byte length][ciphertext].
type secureConn struct {
	net.Conn

	send *noise.CipherState
	recv *noise.CipherState

	remotePeer string

	readMu  sync.Mutex
	writeMu sync.Mutex
	pending []byte
}

// RemotePeer returns the authenticated peer ID of the other side.
func (c *secureConn) RemotePeer() string { return c.remotePeer }

func (c *secureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	var header [2]byte
	if _, err := io.ReadFull(c.Conn, header[:]); err != nil {
		return 0, err
	}
	record := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(c.Conn, record); err != nil {
		return 0, err
	}
	plain, err := c.recv.Decrypt(nil, nil, record)
	if err != nil {
		return 0, fmt.Errorf("decrypt: %w", err)
	}

	n := copy(p, plain)
	if n < len(plain) {
		c.pending = plain[n:]
	}
	return n, nil
}

func (c *secureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		buf := make([]byte, 2, 2+len(chunk)+16)
		buf, err := c.send.Encrypt(buf, nil, chunk)
		if err != nil {
			return written, fmt.Errorf("encrypt: %w", err)
		}
		binary.BigEndian.PutUint16(buf, uint16(len(buf)-2))
		if _, err := c.Conn.Write(buf); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}
