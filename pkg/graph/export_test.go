package graph

import (
	"bytes"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := New(6, 0.75)
	require.NoError(t, err)
	_, err = g.ApplyBatch(
		[]Pair{{0, 1}, {4, 2}, {1, 2}, {5, 0}, {3, 4}},
		[]bool{true, true, false, false, true},
	)
	require.NoError(t, err)
	return g
}

func TestGMLRoundTrip(t *testing.T) {
	g := sampleGraph(t)

	var buf bytes.Buffer
	require.NoError(t, g.WriteGML(&buf, ExportFlags{Similar: true, Dissimilar: true}))

	es, err := ReadGML(&buf)
	require.NoError(t, err)
	assert.Equal(t, 6, es.Dim)
	assert.Equal(t, 0.75, es.Lambda)
	assert.Equal(t, slices.Collect(g.SimilarPairs()), es.Similar)
	assert.Equal(t, slices.Collect(g.DissimilarPairs()), es.Dissimilar)
	assert.Empty(t, es.Potential)

	back, err := FromEdgeSet(es)
	require.NoError(t, err)
	assert.Equal(t, g.Dense(), back.Dense())
	assert.Equal(t, g.SimilarCount(), back.SimilarCount())
	assert.Equal(t, g.DissimilarCount(), back.DissimilarCount())
}

func TestGMLFlags(t *testing.T) {
	g := sampleGraph(t)

	var buf bytes.Buffer
	require.NoError(t, g.WriteGML(&buf, ExportFlags{Potential: true}))
	es, err := ReadGML(&buf)
	require.NoError(t, err)

	assert.Empty(t, es.Similar)
	assert.Empty(t, es.Dissimilar)
	assert.Len(t, es.Potential, g.UnknownCount())
	for _, p := range es.Potential {
		l, err := g.Label(p.I, p.J)
		require.NoError(t, err)
		assert.Equal(t, Unknown, l)
	}
}

func TestReadGMLRejectsGarbage(t *testing.T) {
	_, err := ReadGML(strings.NewReader("nodes [ ]"))
	require.ErrorIs(t, err, ErrMalformedGML)

	_, err = ReadGML(strings.NewReader(`graph [ edge [ source 0 target 1 label "maybe" ] ]`))
	require.ErrorIs(t, err, ErrMalformedGML)

	_, err = ReadGML(strings.NewReader(`graph [ dim 3`))
	require.ErrorIs(t, err, ErrMalformedGML)
}

func TestWriteSimilarLog(t *testing.T) {
	g := sampleGraph(t)
	names := []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "", "f.jpg"}

	var buf bytes.Buffer
	require.NoError(t, g.WriteSimilarLog(&buf, func(i int) string { return names[i] }))
	assert.Equal(t, "a.jpg b.jpg\nc.jpg 4\nd.jpg 4\n", buf.String())
}
