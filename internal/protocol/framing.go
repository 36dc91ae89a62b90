package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// handshakeMagic is the literal both peers send before any frame.
const handshakeMagic = "LidarServ Protocol"

// maxFrameSize bounds a single frame; anything larger is a protocol error,
// not an allocation request.
const maxFrameSize = 256 << 20

var (
	// ErrBadHandshake is returned when a peer opens with anything other
	// than the protocol literal.
	ErrBadHandshake = errors.New("bad protocol handshake")
	// ErrFrameTooLarge is returned for frames above maxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrUnknownMessage is returned for frames that do not carry exactly
	// one known variant.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrVersionMismatch is returned when the peers cannot agree on a
	// protocol version.
	ErrVersionMismatch = errors.New("incompatible protocol version")
)

// WriteHandshake sends the 18-byte protocol literal.
func WriteHandshake(w io.Writer) error {
	if _, err := io.WriteString(w, handshakeMagic); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	return nil
}

// ReadHandshake consumes and checks the peer's protocol literal.
func ReadHandshake(r io.Reader) error {
	buf := make([]byte, len(handshakeMagic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if !bytes.Equal(buf, []byte(handshakeMagic)) {
		return fmt.Errorf("%w: got %q", ErrBadHandshake, buf)
	}
	return nil
}

// WriteMessage encodes m as CBOR and writes one length-prefixed frame.
func WriteMessage(w io.Writer, m *Message) error {
	if _, err := m.Kind(); err != nil {
		return err
	}
	body, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one frame and decodes it.
func ReadMessage(r io.Reader) (*Message, error) {
	var length [8]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.LittleEndian.Uint64(length[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	var m Message
	if err := cbor.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}
	if _, err := m.Kind(); err != nil {
		return nil, err
	}
	return &m, nil
}

// NegotiateVersion applies the compatibility rule: the newer peer decides.
// This implementation, as the (potentially) newer peer, accepts any peer
// version at or below its own and rejects newer peers that the other side
// did not already reject.
func NegotiateVersion(peer uint32) error {
	if peer > Version {
		return fmt.Errorf("%w: peer speaks %d, this server speaks %d", ErrVersionMismatch, peer, Version)
	}
	return nil
}
