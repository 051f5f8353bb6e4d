package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the journal binary protocol.
const (
	// MagicByte marks the start of a valid frame.
	MagicByte = 0xA5

	// HeaderSize is the fixed size of the frame metadata:
	// 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32) = 10 bytes.
	HeaderSize = 10

	// OpCodeHeader opens a journal and describes the graph it belongs to.
	OpCodeHeader = 0x01
	// OpCodeBatch holds one applied batch of labels.
	OpCodeBatch = 0x02
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a journal.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates data corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the file ended abruptly (e.g., power loss during write).
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// FrameWriter writes binary frames to an io.Writer.
type FrameWriter struct {
	w      io.Writer
	header [HeaderSize]byte
}

// NewFrameWriter creates a writer that wraps an underlying io.Writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes the payload into a binary frame and writes it.
// Frame Format: [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)]
func (fw *FrameWriter) WriteFrame(op byte, payload []byte) error {
	header := fw.header[:]
	header[0] = MagicByte
	header[1] = op
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	// fw.w is expected to be buffered so header and payload reach the file
	// in one write.
	if _, err := fw.w.Write(header); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// ReadFrame reads the next frame from the reader, validating the magic byte
// and the checksum. It returns the opcode, the payload and the total bytes
// consumed (header + payload).
func ReadFrame(r io.Reader) (byte, []byte, int, error) {
	header := make([]byte, HeaderSize)

	if _, err := io.ReadFull(r, header); err != nil {
		// EOF exactly at a frame boundary is a clean end.
		if err == io.EOF {
			return 0, nil, 0, io.EOF
		}
		return 0, nil, 0, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return 0, nil, HeaderSize, ErrInvalidMagic
	}
	op := header[1]
	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, HeaderSize, ErrIncompleteFrame
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return 0, nil, HeaderSize + int(length), ErrChecksumMismatch
	}
	return op, payload, HeaderSize + int(length), nil
}
