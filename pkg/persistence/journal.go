// Package persistence keeps an append-only journal of the label batches
// applied to a match graph, so an interrupted run can be resumed without
// asking the oracle again.
package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sanonone/matchgraph/pkg/graph"
)

const journalVersion = 1

var (
	// ErrJournalMismatch is returned when a journal was written for a graph
	// of a different size or regularization.
	ErrJournalMismatch = errors.New("journal does not match the graph")
	// ErrMalformedJournal is returned for frames that decode to nonsense.
	ErrMalformedJournal = errors.New("malformed journal")
)

// Header is the first frame of every journal.
type Header struct {
	RunID  uuid.UUID
	Dim    int
	Lambda float64
}

// Journal appends applied batches to a file.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	fw   *FrameWriter
	path string

	scratch bytes.Buffer
	header  Header
	batches int
}

// Create starts a new journal at path, replacing any existing file, and
// writes hdr as its first frame.
func Create(path string, hdr Header) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}
	j := newJournal(file, path, hdr)
	if err := j.fw.WriteFrame(OpCodeHeader, encodeHeader(hdr)); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := j.Sync(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return j, nil
}

// Resume replays the journal at path into g and reopens it for appending.
// A torn frame at the end of the file, left by a crash during a write, is
// cut off. It returns the journal and the number of batches replayed.
func Resume(path string, g *graph.Graph) (*Journal, int, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open journal: %w", err)
	}
	hdr, batches, valid, err := replay(file, g)
	if err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	if err := file.Truncate(valid); err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	if _, err := file.Seek(valid, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	j := newJournal(file, path, hdr)
	j.batches = batches
	return j, batches, nil
}

// Replay applies the batches of the journal at path to g without opening it
// for writing.
func Replay(path string, g *graph.Graph) (Header, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return Header{}, 0, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()
	hdr, batches, _, err := replay(file, g)
	return hdr, batches, err
}

func newJournal(file *os.File, path string, hdr Header) *Journal {
	buf := bufio.NewWriter(file)
	return &Journal{
		file:   file,
		buf:    buf,
		fw:     NewFrameWriter(buf),
		path:   path,
		header: hdr,
	}
}

// replay returns the header, the number of batches applied and the offset
// just past the last complete frame.
func replay(r io.Reader, g *graph.Graph) (Header, int, int64, error) {
	br := bufio.NewReader(r)
	op, payload, n, err := ReadFrame(br)
	if err != nil {
		return Header{}, 0, 0, fmt.Errorf("journal header: %w", err)
	}
	if op != OpCodeHeader {
		return Header{}, 0, 0, fmt.Errorf("%w: first frame has opcode %#x", ErrMalformedJournal, op)
	}
	hdr, err := decodeHeader(payload)
	if err != nil {
		return Header{}, 0, 0, err
	}
	if hdr.Dim != g.Dim() || hdr.Lambda != g.Lambda() {
		return Header{}, 0, 0, fmt.Errorf("%w: journal has dim=%d lambda=%g, graph has dim=%d lambda=%g",
			ErrJournalMismatch, hdr.Dim, hdr.Lambda, g.Dim(), g.Lambda())
	}

	valid := int64(n)
	batches := 0
	for {
		op, payload, n, err := ReadFrame(br)
		if err == io.EOF || errors.Is(err, ErrIncompleteFrame) {
			return hdr, batches, valid, nil
		}
		if err != nil {
			return Header{}, 0, 0, fmt.Errorf("journal frame %d: %w", batches+1, err)
		}
		if op != OpCodeBatch {
			return Header{}, 0, 0, fmt.Errorf("%w: unexpected opcode %#x", ErrMalformedJournal, op)
		}
		pairs, similar, err := decodeBatch(payload)
		if err != nil {
			return Header{}, 0, 0, err
		}
		if _, err := g.ApplyBatch(pairs, similar); err != nil {
			return Header{}, 0, 0, fmt.Errorf("journal frame %d: %w", batches+1, err)
		}
		valid += int64(n)
		batches++
	}
}

// Append records one applied batch. The frame is handed to the OS but not
// synced; call Sync for durability.
func (j *Journal) Append(pairs []graph.Pair, similar []bool) error {
	if len(pairs) != len(similar) {
		return fmt.Errorf("%w: %d pairs, %d labels", ErrMalformedJournal, len(pairs), len(similar))
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	j.scratch.Reset()
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(pairs)))
	j.scratch.Write(tmp[:])
	for n, p := range pairs {
		binary.LittleEndian.PutUint32(tmp[:], uint32(p.I))
		j.scratch.Write(tmp[:])
		binary.LittleEndian.PutUint32(tmp[:], uint32(p.J))
		j.scratch.Write(tmp[:])
		if similar[n] {
			j.scratch.WriteByte(1)
		} else {
			j.scratch.WriteByte(0)
		}
	}
	if err := j.fw.WriteFrame(OpCodeBatch, j.scratch.Bytes()); err != nil {
		return err
	}
	j.batches++
	return j.buf.Flush()
}

// Sync forces a flush to disk (fsync).
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.buf.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.buf.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

// Header returns the header the journal was created with.
func (j *Journal) Header() Header { return j.header }

// Batches returns the number of batches in the journal.
func (j *Journal) Batches() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.batches
}

// Path returns the file path.
func (j *Journal) Path() string { return j.path }

// Header payload: [version(1)][run id(16)][dim(8)][lambda bits(8)]
func encodeHeader(h Header) []byte {
	b := make([]byte, 1+16+8+8)
	b[0] = journalVersion
	copy(b[1:17], h.RunID[:])
	binary.LittleEndian.PutUint64(b[17:25], uint64(h.Dim))
	binary.LittleEndian.PutUint64(b[25:33], math.Float64bits(h.Lambda))
	return b
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) != 33 {
		return Header{}, fmt.Errorf("%w: header is %d bytes", ErrMalformedJournal, len(b))
	}
	if b[0] != journalVersion {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedJournal, b[0])
	}
	var h Header
	copy(h.RunID[:], b[1:17])
	h.Dim = int(binary.LittleEndian.Uint64(b[17:25]))
	h.Lambda = math.Float64frombits(binary.LittleEndian.Uint64(b[25:33]))
	return h, nil
}

// Batch payload: [count(4)] then count × [i(4)][j(4)][similar(1)]
func decodeBatch(b []byte) ([]graph.Pair, []bool, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("%w: short batch", ErrMalformedJournal)
	}
	count := int(binary.LittleEndian.Uint32(b))
	b = b[4:]
	if len(b) != count*9 {
		return nil, nil, fmt.Errorf("%w: batch of %d pairs has %d bytes", ErrMalformedJournal, count, len(b))
	}
	pairs := make([]graph.Pair, count)
	similar := make([]bool, count)
	for n := range pairs {
		rec := b[n*9:]
		pairs[n] = graph.Pair{
			I: int(binary.LittleEndian.Uint32(rec[0:4])),
			J: int(binary.LittleEndian.Uint32(rec[4:8])),
		}
		similar[n] = rec[8] == 1
	}
	return pairs, similar, nil
}
