// Package distance provides the feature distances used to decide whether two
// items are Similar. It supports the Euclidean and Cosine metrics on float32
// and float16 vectors.
//
// float32 kernels go through the Gonum BLAS implementation, which handles
// SIMD dispatch internally. float16 vectors are widened element by element.
package distance

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/klauspost/cpuid/v2"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas/gonum"
)

// DistanceMetric defines the type of distance calculation to perform.
type DistanceMetric string

// PrecisionType defines the data type used for feature storage.
type PrecisionType string

const (
	// Euclidean represents the squared Euclidean distance metric.
	Euclidean DistanceMetric = "euclidean"
	// Cosine represents the cosine distance metric (1 - cosine similarity)
	// on normalized vectors.
	Cosine DistanceMetric = "cosine"

	// Float32 represents single-precision floating-point numbers.
	Float32 PrecisionType = "float32"
	// Float16 represents half-precision floating-point numbers.
	Float16 PrecisionType = "float16"
)

// ErrLengthMismatch is returned when two vectors have different lengths.
var ErrLengthMismatch = errors.New("distance: vectors must have the same length")

type DistanceFuncF32 func(v1, v2 []float32) (float64, error)
type DistanceFuncF16 func(v1, v2 []uint16) (float64, error)

// ParseMetric validates a metric name.
func ParseMetric(s string) (DistanceMetric, error) {
	switch DistanceMetric(s) {
	case Euclidean, Cosine:
		return DistanceMetric(s), nil
	}
	return "", fmt.Errorf("distance: unknown metric %q", s)
}

// ParsePrecision validates a precision name.
func ParsePrecision(s string) (PrecisionType, error) {
	switch PrecisionType(s) {
	case Float32, Float16:
		return PrecisionType(s), nil
	}
	return "", fmt.Errorf("distance: unknown precision %q", s)
}

// LogKernels reports which kernels are in use.
func LogKernels(logger *slog.Logger) {
	logger.Info("distance kernels",
		"float32", "gonum",
		"float16", "pure go",
		"avx2", cpuid.CPU.Has(cpuid.AVX2),
		"f16c", cpuid.CPU.Has(cpuid.F16C),
	)
}

var gonumEngine = gonum.Implementation{}

// squaredEuclideanGonum computes |v1-v2|² as v1·v1 - 2·v1·v2 + v2·v2, which
// needs no scratch buffer. Tiny negative results from cancellation clamp to 0.
func squaredEuclideanGonum(v1, v2 []float32) (float64, error) {
	n := len(v1)
	if n != len(v2) {
		return 0, ErrLengthMismatch
	}
	if n == 0 {
		return 0, nil
	}
	aa := float64(gonumEngine.Sdot(n, v1, 1, v1, 1))
	bb := float64(gonumEngine.Sdot(n, v2, 1, v2, 1))
	ab := float64(gonumEngine.Sdot(n, v1, 1, v2, 1))
	return math.Max(0, aa-2*ab+bb), nil
}

func dotProductAsDistanceGonum(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	dot := gonumEngine.Sdot(len(v1), v1, 1, v2, 1)
	return 1.0 - float64(dot), nil
}

func squaredEuclideanFloat16(v1, v2 []uint16) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	var sum float32
	for i := range v1 {
		diff := float16.Frombits(v1[i]).Float32() - float16.Frombits(v2[i]).Float32()
		sum += diff * diff
	}
	return float64(sum), nil
}

func dotProductAsDistanceFloat16(v1, v2 []uint16) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	var sum float32
	for i := range v1 {
		sum += float16.Frombits(v1[i]).Float32() * float16.Frombits(v2[i]).Float32()
	}
	return 1.0 - float64(sum), nil
}

var float32Funcs = map[DistanceMetric]DistanceFuncF32{
	Euclidean: squaredEuclideanGonum,
	Cosine:    dotProductAsDistanceGonum,
}

var float16Funcs = map[DistanceMetric]DistanceFuncF16{
	Euclidean: squaredEuclideanFloat16,
	Cosine:    dotProductAsDistanceFloat16,
}

// GetFloat32Func returns the float32 kernel for a metric.
func GetFloat32Func(metric DistanceMetric) (DistanceFuncF32, error) {
	fn, ok := float32Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric '%s' not supported for float32 precision", metric)
	}
	return fn, nil
}

// GetFloat16Func returns the float16 kernel for a metric.
func GetFloat16Func(metric DistanceMetric) (DistanceFuncF16, error) {
	fn, ok := float16Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric '%s' not supported for float16 precision", metric)
	}
	return fn, nil
}

// Normalize scales v to unit length in place. Zero vectors are left as is.
func Normalize(v []float32) {
	n := len(v)
	if n == 0 {
		return
	}
	norm := gonumEngine.Snrm2(n, v, 1)
	if norm == 0 {
		return
	}
	gonumEngine.Sscal(n, 1/norm, v, 1)
}

// ToFloat16 converts v to half-precision bit patterns.
func ToFloat16(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, f := range v {
		out[i] = float16.Fromfloat32(f).Bits()
	}
	return out
}
