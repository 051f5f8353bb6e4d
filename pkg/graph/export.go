package graph

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

// ExportFlags selects which edge kinds WriteGML emits.
type ExportFlags struct {
	Similar    bool
	Dissimilar bool
	// Potential emits every still Unknown pair. The output grows with dim².
	Potential bool
}

// EdgeSet is a graph description as read back from a GML file.
type EdgeSet struct {
	Dim        int
	Lambda     float64
	Similar    []Pair
	Dissimilar []Pair
	Potential  []Pair
}

// ErrMalformedGML is returned by ReadGML for input it cannot parse.
var ErrMalformedGML = errors.New("graph: malformed GML")

// WriteGML writes the graph in GML format. Nodes are the item indices and
// every edge carries a label of "similar", "dissimilar" or "potential".
func (g *Graph) WriteGML(w io.Writer, flags ExportFlags) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "graph [\n  directed 0\n  dim %d\n  lambda %s\n",
		g.dim, strconv.FormatFloat(g.lambda, 'g', -1, 64))
	for i := 0; i < g.dim; i++ {
		fmt.Fprintf(bw, "  node [\n    id %d\n    label \"%d\"\n  ]\n", i, i)
	}

	edge := func(p Pair, l string) {
		fmt.Fprintf(bw, "  edge [\n    source %d\n    target %d\n    label \"%s\"\n  ]\n", p.I, p.J, l)
	}
	if flags.Similar {
		for p := range g.SimilarPairs() {
			edge(p, Similar.String())
		}
	}
	if flags.Dissimilar {
		for p := range g.DissimilarPairs() {
			edge(p, Dissimilar.String())
		}
	}
	if flags.Potential {
		for i := 0; i < g.dim; i++ {
			for j := i + 1; j < g.dim; j++ {
				if g.label(i, j) == Unknown {
					edge(Pair{I: i, J: j}, "potential")
				}
			}
		}
	}

	fmt.Fprint(bw, "]\n")
	return bw.Flush()
}

// ReadGML parses a description written by WriteGML.
func ReadGML(r io.Reader) (*EdgeSet, error) {
	toks, err := tokenizeGML(r)
	if err != nil {
		return nil, err
	}
	p := &gmlParser{toks: toks}

	if p.next() != "graph" || p.next() != "[" {
		return nil, fmt.Errorf("%w: missing top-level graph block", ErrMalformedGML)
	}

	es := &EdgeSet{}
	for {
		key := p.next()
		switch key {
		case "":
			return nil, fmt.Errorf("%w: unterminated graph block", ErrMalformedGML)
		case "]":
			return es, nil
		case "dim":
			if es.Dim, err = strconv.Atoi(p.next()); err != nil {
				return nil, fmt.Errorf("%w: dim: %v", ErrMalformedGML, err)
			}
		case "lambda":
			if es.Lambda, err = strconv.ParseFloat(p.next(), 64); err != nil {
				return nil, fmt.Errorf("%w: lambda: %v", ErrMalformedGML, err)
			}
		case "edge":
			fields, err := p.block()
			if err != nil {
				return nil, err
			}
			src, err1 := strconv.Atoi(fields["source"])
			dst, err2 := strconv.Atoi(fields["target"])
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("%w: edge endpoints %q %q", ErrMalformedGML, fields["source"], fields["target"])
			}
			pair := Pair{I: src, J: dst}.Canonical()
			switch fields["label"] {
			case "similar":
				es.Similar = append(es.Similar, pair)
			case "dissimilar":
				es.Dissimilar = append(es.Dissimilar, pair)
			case "potential":
				es.Potential = append(es.Potential, pair)
			default:
				return nil, fmt.Errorf("%w: edge label %q", ErrMalformedGML, fields["label"])
			}
		case "node":
			if _, err := p.block(); err != nil {
				return nil, err
			}
		default:
			// Scalar attributes we do not use (directed, ...).
			if v := p.next(); v == "[" {
				if _, err := p.blockBody(); err != nil {
					return nil, err
				}
			}
		}
	}
}

// FromEdgeSet builds a graph holding exactly the Similar and Dissimilar
// edges of es. Potential edges are ignored.
func FromEdgeSet(es *EdgeSet, opts ...Option) (*Graph, error) {
	g, err := New(es.Dim, es.Lambda, opts...)
	if err != nil {
		return nil, err
	}
	pairs := make([]Pair, 0, len(es.Similar)+len(es.Dissimilar))
	labels := make([]bool, 0, cap(pairs))
	for _, p := range es.Similar {
		pairs = append(pairs, p)
		labels = append(labels, true)
	}
	for _, p := range es.Dissimilar {
		pairs = append(pairs, p)
		labels = append(labels, false)
	}
	if _, err := g.ApplyBatch(pairs, labels); err != nil {
		return nil, err
	}
	return g, nil
}

// WriteSimilarLog writes one "nameA nameB" line per Similar pair. names maps
// item index to a display name; indices without a name print as numbers.
func (g *Graph) WriteSimilarLog(w io.Writer, names func(int) string) error {
	bw := bufio.NewWriter(w)
	name := func(i int) string {
		if names != nil {
			if n := names(i); n != "" {
				return n
			}
		}
		return strconv.Itoa(i)
	}
	for p := range g.SimilarPairs() {
		if _, err := fmt.Fprintf(bw, "%s %s\n", name(p.I), name(p.J)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Dense returns the full dim×dim label matrix in row-major order.
// Meant for small graphs and debugging.
func (g *Graph) Dense() []Label {
	out := make([]Label, g.dim*g.dim)
	for p := range g.SimilarPairs() {
		out[p.I*g.dim+p.J] = Similar
		out[p.J*g.dim+p.I] = Similar
	}
	for p := range g.DissimilarPairs() {
		out[p.I*g.dim+p.J] = Dissimilar
		out[p.J*g.dim+p.I] = Dissimilar
	}
	return out
}

type gmlParser struct {
	toks []string
	pos  int
}

func (p *gmlParser) next() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	t := p.toks[p.pos]
	p.pos++
	return t
}

// block reads "[ key value ... ]" and returns the scalar fields.
func (p *gmlParser) block() (map[string]string, error) {
	if p.next() != "[" {
		return nil, fmt.Errorf("%w: expected '['", ErrMalformedGML)
	}
	return p.blockBody()
}

func (p *gmlParser) blockBody() (map[string]string, error) {
	fields := make(map[string]string)
	for {
		key := p.next()
		switch key {
		case "":
			return nil, fmt.Errorf("%w: unterminated block", ErrMalformedGML)
		case "]":
			return fields, nil
		}
		val := p.next()
		if val == "[" {
			if _, err := p.blockBody(); err != nil {
				return nil, err
			}
			continue
		}
		fields[key] = val
	}
}

// tokenizeGML splits the input on whitespace. Quoted strings become a
// single token without the quotes.
func tokenizeGML(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var toks []string
	s := string(data)
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated string", ErrMalformedGML)
			}
			toks = append(toks, s[i+1:i+1+end])
			i += end + 2
		case c == '[' || c == ']':
			toks = append(toks, string(c))
			i++
		default:
			j := i
			for j < len(s) && !unicode.IsSpace(rune(s[j])) && s[j] != '[' && s[j] != ']' {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks, nil
}
