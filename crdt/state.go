// Package crdt maintains the server-side cache of a document's replicated
// state. Update payloads produced by clients are opaque binary deltas; the
// server never interprets them. The cached state is therefore a framed
// container of updates in server-assigned order, and a snapshot is the
// encoded container itself: replaying a snapshot followed by the log tail
// yields exactly the same container as replaying the full log.
//
// One frame kind is not opaque: a text seed frame, produced by the server
// when a document is created with initial content. Seed frames let the
// server express "the first update is this text" without understanding the
// client library's delta encoding.
package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Container layout: magic, uvarint frame count, then each frame as
// uvarint length + bytes. Frames are stored exactly as received.
var containerMagic = []byte{0xC5, 0x44, 0x43, 0x31} // "\xC5DC1"

// Text seed frames carry a marker prefix so State.Text can recover content
// the server itself encoded. Client deltas never start with this prefix by
// contract (the marker byte is reserved in the wire protocol).
var textSeedPrefix = []byte{0x00, 0x74, 0x78, 0x74} // NUL "txt"

var (
	// ErrCorruptSnapshot is returned when snapshot bytes cannot be decoded.
	ErrCorruptSnapshot = errors.New("crdt: corrupt snapshot container")
	// ErrEmptyUpdate is returned for zero-length update payloads.
	ErrEmptyUpdate = errors.New("crdt: empty update")
)

// State is the cached replicated state of one document. It is not
// goroutine-safe; the owning hub serializes access.
type State struct {
	frames [][]byte
}

// NewState returns an empty state.
func NewState() *State {
	return &State{}
}

// NewStateFromSnapshot decodes a snapshot container into a fresh state.
func NewStateFromSnapshot(snapshot []byte) (*State, error) {
	s := NewState()
	if err := s.applyContainer(snapshot); err != nil {
		return nil, err
	}
	return s, nil
}

// TextUpdate encodes initial document content as a seed update frame.
func TextUpdate(content string) []byte {
	buf := make([]byte, 0, len(textSeedPrefix)+len(content))
	buf = append(buf, textSeedPrefix...)
	return append(buf, content...)
}

// Apply appends one update to the state. Updates must be applied in
// server-assigned sequence order.
func (s *State) Apply(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	frame := make([]byte, len(update))
	copy(frame, update)
	s.frames = append(s.frames, frame)
	return nil
}

// Len returns the number of updates folded into the state.
func (s *State) Len() int {
	return len(s.frames)
}

// Encode serializes the state as a snapshot container.
func (s *State) Encode() []byte {
	size := len(containerMagic) + binary.MaxVarintLen64
	for _, f := range s.frames {
		size += binary.MaxVarintLen64 + len(f)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, containerMagic...)
	buf = binary.AppendUvarint(buf, uint64(len(s.frames)))
	for _, f := range s.frames {
		buf = binary.AppendUvarint(buf, uint64(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

// Text reconstructs the plain-text content carried by seed frames, in
// order. Opaque client deltas contribute nothing; a document that has only
// ever been edited through deltas yields an empty string here, which is
// fine because Text exists for server-seeded content and tests.
func (s *State) Text() string {
	var b bytes.Buffer
	for _, f := range s.frames {
		if bytes.HasPrefix(f, textSeedPrefix) {
			b.Write(f[len(textSeedPrefix):])
		}
	}
	return b.String()
}

// DecodeContainer splits a snapshot container into its update frames.
func DecodeContainer(snapshot []byte) ([][]byte, error) {
	if !bytes.HasPrefix(snapshot, containerMagic) {
		return nil, ErrCorruptSnapshot
	}
	rest := snapshot[len(containerMagic):]
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, ErrCorruptSnapshot
	}
	rest = rest[n:]

	frames := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		size, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest[n:])) < size {
			return nil, fmt.Errorf("%w: frame %d truncated", ErrCorruptSnapshot, i)
		}
		rest = rest[n:]
		frame := make([]byte, size)
		copy(frame, rest[:size])
		frames = append(frames, frame)
		rest = rest[size:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, len(rest))
	}
	return frames, nil
}

func (s *State) applyContainer(snapshot []byte) error {
	frames, err := DecodeContainer(snapshot)
	if err != nil {
		return err
	}
	s.frames = append(s.frames, frames...)
	return nil
}
