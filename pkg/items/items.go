// Package items provides the objects whose pairwise similarity is being
// discovered. The graph and the estimator only see indices; comparators look
// items up through a Source.
package items

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sanonone/matchgraph/pkg/core/distance"
)

var (
	// ErrIndexOutOfRange is returned by Source.Item for a bad index.
	ErrIndexOutOfRange = errors.New("items: index out of range")
	// ErrMalformedLine is returned when a feature file line cannot be parsed.
	ErrMalformedLine = errors.New("items: malformed line")
)

// Item is one object. Vector or VectorF16 is set depending on the precision
// the set was loaded with; Cluster is empty when the source has no ground
// truth.
type Item struct {
	Index     int
	Name      string
	Cluster   string
	Vector    []float32
	VectorF16 []uint16
}

// Source gives access to items by index.
type Source interface {
	Len() int
	Item(i int) (Item, error)
}

// Set is an in-memory Source.
type Set struct {
	items     []Item
	precision distance.PrecisionType
}

// NewSet builds a Set from items, renumbering them by position.
func NewSet(items []Item) *Set {
	s := &Set{items: items, precision: distance.Float32}
	for i := range s.items {
		s.items[i].Index = i
		if s.items[i].VectorF16 != nil && s.items[i].Vector == nil {
			s.precision = distance.Float16
		}
	}
	return s
}

// Synthetic returns n items with no features, named by index. It backs the
// random comparison mode.
func Synthetic(n int) *Set {
	items := make([]Item, n)
	for i := range items {
		items[i].Name = strconv.Itoa(i)
	}
	return NewSet(items)
}

func (s *Set) Len() int { return len(s.items) }

func (s *Set) Item(i int) (Item, error) {
	if i < 0 || i >= len(s.items) {
		return Item{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	return s.items[i], nil
}

// Precision reports how the feature vectors are stored.
func (s *Set) Precision() distance.PrecisionType { return s.precision }

// Name returns the name of item i, or its index when it has none.
func (s *Set) Name(i int) string {
	if i >= 0 && i < len(s.items) && s.items[i].Name != "" {
		return s.items[i].Name
	}
	return strconv.Itoa(i)
}

// LoadOptions controls how a feature file is read.
type LoadOptions struct {
	Precision distance.PrecisionType
	// Normalize scales every vector to unit length, as the Cosine metric
	// expects.
	Normalize bool
}

// LoadVectors reads a feature file. Each non-empty line that does not start
// with '#' has the form
//
//	name [@cluster] v1 v2 ... vn
//
// and all vectors must have the same length.
func LoadVectors(path string, opts LoadOptions) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("items: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadVectors(f, opts)
}

// ReadVectors is LoadVectors on an open reader.
func ReadVectors(r io.Reader, opts LoadOptions) (*Set, error) {
	if opts.Precision == "" {
		opts.Precision = distance.Float32
	}
	if _, err := distance.ParsePrecision(string(opts.Precision)); err != nil {
		return nil, err
	}

	var items []Item
	width := -1
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		it, err := parseLine(text)
		if err != nil {
			return nil, fmt.Errorf("%w %d: %v", ErrMalformedLine, line, err)
		}
		if width < 0 {
			width = len(it.Vector)
		} else if len(it.Vector) != width {
			return nil, fmt.Errorf("%w %d: vector has %d values, want %d", ErrMalformedLine, line, len(it.Vector), width)
		}
		if opts.Normalize {
			distance.Normalize(it.Vector)
		}
		if opts.Precision == distance.Float16 {
			it.VectorF16 = distance.ToFloat16(it.Vector)
			it.Vector = nil
		}
		items = append(items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("items: read: %w", err)
	}

	s := NewSet(items)
	s.precision = opts.Precision
	return s, nil
}

func parseLine(text string) (Item, error) {
	name, rest, _ := strings.Cut(text, " ")
	var it Item
	it.Name = name
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "@") {
		var cluster string
		cluster, rest, _ = strings.Cut(rest, " ")
		it.Cluster = strings.TrimPrefix(cluster, "@")
		if it.Cluster == "" {
			return Item{}, errors.New("empty cluster label")
		}
	}
	vec, err := parseVectorFromString(rest)
	if err != nil {
		return Item{}, err
	}
	it.Vector = vec
	return it, nil
}

// parseVectorFromString parses a space-separated string into a []float32.
func parseVectorFromString(s string) ([]float32, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return nil, fmt.Errorf("vector string is empty")
	}
	vector := make([]float32, len(parts))
	for i, part := range parts {
		val, err := strconv.ParseFloat(part, 32)
		if err != nil {
			return nil, err
		}
		vector[i] = float32(val)
	}
	return vector, nil
}
