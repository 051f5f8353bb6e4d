package oracle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/sanonone/matchgraph/pkg/core/distance"
	"github.com/sanonone/matchgraph/pkg/items"
)

// ErrMissingFeatures is returned by FeatureComparator for an item without
// a feature vector of the configured precision.
var ErrMissingFeatures = errors.New("oracle: item has no feature vector")

// RandomComparator gives every pair a pseudo-random verdict that depends only
// on the seed and the unordered pair, so repeated runs agree.
type RandomComparator struct {
	Seed        uint64
	Probability float64
}

func (c RandomComparator) Compare(_ context.Context, a, b items.Item) (bool, error) {
	i, j := a.Index, b.Index
	if i > j {
		i, j = j, i
	}
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], c.Seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(i))
	binary.LittleEndian.PutUint64(buf[16:], uint64(j))
	u := float64(xxhash.Sum64(buf[:])>>11) / (1 << 53)
	return u < c.Probability, nil
}

// FeatureComparator calls two items Similar when the distance between their
// feature vectors is at most Threshold.
type FeatureComparator struct {
	threshold float64
	precision distance.PrecisionType
	f32       distance.DistanceFuncF32
	f16       distance.DistanceFuncF16
}

// NewFeatureComparator selects the distance kernel for metric and precision.
func NewFeatureComparator(metric distance.DistanceMetric, precision distance.PrecisionType, threshold float64) (*FeatureComparator, error) {
	c := &FeatureComparator{threshold: threshold, precision: precision}
	var err error
	switch precision {
	case distance.Float32:
		c.f32, err = distance.GetFloat32Func(metric)
	case distance.Float16:
		c.f16, err = distance.GetFloat16Func(metric)
	default:
		err = fmt.Errorf("oracle: unsupported precision %q", precision)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FeatureComparator) Compare(_ context.Context, a, b items.Item) (bool, error) {
	var d float64
	var err error
	if c.precision == distance.Float16 {
		if a.VectorF16 == nil || b.VectorF16 == nil {
			return false, ErrMissingFeatures
		}
		d, err = c.f16(a.VectorF16, b.VectorF16)
	} else {
		if a.Vector == nil || b.Vector == nil {
			return false, ErrMissingFeatures
		}
		d, err = c.f32(a.Vector, b.Vector)
	}
	if err != nil {
		return false, err
	}
	return d <= c.threshold, nil
}

// ClusterComparator uses the cluster labels of the items as ground truth.
// Items without a label only match themselves.
type ClusterComparator struct{}

func (ClusterComparator) Compare(_ context.Context, a, b items.Item) (bool, error) {
	return a.Cluster != "" && a.Cluster == b.Cluster, nil
}
