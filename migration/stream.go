// This file implements the framed binary stream used to move a captured VF
// (manifest plus chunk sequence) between hosts, typically over TCP.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package migration

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// StreamMsgType identifies a migration stream message.
type StreamMsgType uint32

const (
	StreamManifest StreamMsgType = 1 // gob-encoded Manifest
	StreamChunk    StreamMsgType = 2 // one resource chunk: class, offset, data
	StreamDone     StreamMsgType = 3 // source signals end-of-migration
	StreamReady    StreamMsgType = 4 // destination confirms the VF is restored
)

// Sender writes framed stream messages to an underlying writer (typically
// a TCP conn).
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a migration stream Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// send writes a single framed message.
func (s *Sender) send(t StreamMsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendManifest encodes m with gob and sends it as a StreamManifest.
func (s *Sender) SendManifest(m *Manifest) error {
	pr, pw := io.Pipe()

	errCh := make(chan error, 1)

	go func() {
		enc := gob.NewEncoder(pw)
		errCh <- enc.Encode(m)

		pw.Close()
	}()

	payload, err := io.ReadAll(pr)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if err := <-errCh; err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	return s.send(StreamManifest, payload)
}

// SendChunk sends one resource chunk.
// Message layout: [4-byte class][8-byte offset][data], all big-endian.
func (s *Sender) SendChunk(class ResourceClass, offset uint64, data []byte) error {
	payload := make([]byte, 12+len(data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(class))
	binary.BigEndian.PutUint64(payload[4:12], offset)
	copy(payload[12:], data)

	return s.send(StreamChunk, payload)
}

// SendDone signals the end of the migration stream.
func (s *Sender) SendDone() error { return s.send(StreamDone, nil) }

// SendReady signals that the destination VF is restored.
func (s *Sender) SendReady() error { return s.send(StreamReady, nil) }

// Receiver reads framed stream messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration stream Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (StreamMsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := StreamMsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeManifest decodes a gob-encoded Manifest from payload bytes.
func DecodeManifest(payload []byte) (*Manifest, error) {
	m := &Manifest{}
	dec := gob.NewDecoder((*bReader)(&payload))

	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	return m, nil
}

var errChunkPayloadTooShort = errors.New("chunk payload too short")

// DecodeChunkPayload splits a StreamChunk payload into its class, offset
// and data bytes.
func DecodeChunkPayload(payload []byte) (ResourceClass, uint64, []byte, error) {
	if len(payload) < 12 {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", errChunkPayloadTooShort, len(payload))
	}

	class := ResourceClass(binary.BigEndian.Uint32(payload[0:4]))
	offset := binary.BigEndian.Uint64(payload[4:12])

	return class, offset, payload[12:], nil
}

// bReader wraps a byte slice as an io.Reader.
type bReader []byte

func (b *bReader) Read(p []byte) (int, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}

	n := copy(p, *b)
	*b = (*b)[n:]

	return n, nil
}
