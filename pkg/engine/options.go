package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sanonone/matchgraph/pkg/estimator"
	"gopkg.in/yaml.v3"
)

// ErrInvalidOptions is returned when options fail validation.
var ErrInvalidOptions = errors.New("invalid options")

// AutoK lets the engine pick the batch size: half the items, at least one.
const AutoK = -1

// Options configures a discovery run.
type Options struct {
	// K is the number of pairs verified per iteration, in [1, dim], or
	// AutoK.
	K int `yaml:"k"`

	// Lambda is the regularization added to every degree, in [0, 1].
	Lambda float64 `yaml:"lambda"`

	// Iterations is the number of predict/verify/update rounds after
	// initialization. The run does not stop early when every pair is labeled.
	Iterations int `yaml:"iterations"`

	// RandomStep makes every RandomStep-th iteration (0, RandomStep, ...)
	// pick its batch at random instead of by confidence. Zero disables it.
	RandomStep int `yaml:"random_step"`

	// Policy is "global" or "per-row".
	Policy string `yaml:"policy"`

	// Seed drives random selection and the random initializer.
	Seed uint64 `yaml:"seed"`

	// Workers bounds the parallel solves and the graph rebuild.
	// Zero means one per physical core.
	Workers int `yaml:"workers"`

	SolverTolerance     float64 `yaml:"solver_tolerance"`
	SolverMaxIterations int     `yaml:"solver_max_iterations"`

	// OracleConcurrency bounds concurrent comparisons. Zero means one per
	// pair of the batch.
	OracleConcurrency int `yaml:"oracle_concurrency"`

	// JournalPath enables the label journal. An existing journal is
	// replayed and the run continues where it stopped.
	JournalPath string `yaml:"journal"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultOptions returns the options used when no configuration file is
// given.
func DefaultOptions() Options {
	return Options{
		K:               AutoK,
		Lambda:          1,
		Iterations:      10,
		Policy:          string(estimator.Global),
		Seed:            1,
		SolverTolerance: 1e-8,
	}
}

// LoadOptions reads a YAML configuration file on top of DefaultOptions.
// Unknown keys are rejected.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	if path == "" {
		return opts, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return opts, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	if err := decoder.Decode(&opts); err != nil {
		return opts, fmt.Errorf("YAML syntax error in config: %w", err)
	}
	return opts, nil
}

// Validate checks the options against the number of items.
func (o Options) Validate(dim int) error {
	if dim < 2 {
		return fmt.Errorf("%w: need at least 2 items, got %d", ErrInvalidOptions, dim)
	}
	if o.K != AutoK && (o.K < 1 || o.K > dim) {
		return fmt.Errorf("%w: k must be in [1,%d], got %d", ErrInvalidOptions, dim, o.K)
	}
	if o.Lambda < 0 || o.Lambda > 1 || o.Lambda != o.Lambda {
		return fmt.Errorf("%w: lambda must be in [0,1], got %g", ErrInvalidOptions, o.Lambda)
	}
	if o.Iterations < 1 {
		return fmt.Errorf("%w: iterations must be at least 1, got %d", ErrInvalidOptions, o.Iterations)
	}
	if o.RandomStep < 0 {
		return fmt.Errorf("%w: random step must not be negative, got %d", ErrInvalidOptions, o.RandomStep)
	}
	if o.Policy != "" {
		if _, err := estimator.ParsePolicy(o.Policy); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
	}
	if o.Workers < 0 || o.OracleConcurrency < 0 || o.SolverMaxIterations < 0 || o.SolverTolerance < 0 {
		return fmt.Errorf("%w: worker counts and solver limits must not be negative", ErrInvalidOptions)
	}
	return nil
}

// batchSize resolves K for dim items.
func (o Options) batchSize(dim int) int {
	if o.K == AutoK {
		return max(1, dim/2)
	}
	return o.K
}
