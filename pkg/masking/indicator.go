package masking

import (
	"errors"
	"fmt"
	"unicode"
)

// ImpactLevel places a value within its own category
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactModerate ImpactLevel = "moderate"
	ImpactHigh     ImpactLevel = "high"
	ImpactVeryHigh ImpactLevel = "very_high"
)

// Hint is a qualitative comparison. Only the constants below are ever
// emitted.
type Hint string

const (
	HintAmongSmallest Hint = "among the smallest in this category"
	HintBelowTypical  Hint = "below typical for this category"
	HintTypical       Hint = "typical for this category"
	HintAboveTypical  Hint = "above typical for this category"
	HintAmongLargest  Hint = "among the largest in this category"
)

var knownHints = map[Hint]struct{}{
	HintAmongSmallest: {},
	HintBelowTypical:  {},
	HintTypical:       {},
	HintAboveTypical:  {},
	HintAmongLargest:  {},
}

// RelativeIndicator replaces a raw value for readers without
// view_financials. Percentile is the lower edge of the value's bucket.
type RelativeIndicator struct {
	Category    string      `json:"category"`
	ImpactLevel ImpactLevel `json:"impact_level"`
	Percentile  int         `json:"percentile_within_category"`
	Hint        Hint        `json:"comparative_hint"`
}

// ErrLeakageRejected means an indicator could let a reader recover the raw
// value. The indicator is withheld; the raw value is never substituted.
var ErrLeakageRejected = errors.New("indicator rejected by leakage check")

// Config holds the masking parameters
type Config struct {
	BucketWidth   int
	MinPopulation int
}

// DefaultConfig returns buckets of 10 percentile points and a population
// floor of 5
func DefaultConfig() Config {
	return Config{BucketWidth: 10, MinPopulation: 5}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BucketWidth <= 0 || c.BucketWidth > 50 || 100%c.BucketWidth != 0 {
		c.BucketWidth = d.BucketWidth
	}
	if c.MinPopulation <= 0 {
		c.MinPopulation = d.MinPopulation
	}
	return c
}

// percentile is the share of values strictly below v, in whole points.
// Equal values always share a percentile.
func percentile(values []float64, v float64) int {
	below := 0
	for _, x := range values {
		if x < v {
			below++
		}
	}
	return below * 100 / len(values)
}

func member(values []float64, v float64) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// bucket floors the percentile to the bucket width
func (c Config) bucket(values []float64, v float64) int {
	b := percentile(values, v) / c.BucketWidth * c.BucketWidth
	if b >= 100 {
		b = 100 - c.BucketWidth
	}
	return b
}

// impactFor and hintFor only look at the bucket edge, so the indicator
// carries no information finer than the bucket.
func impactFor(bucket int) ImpactLevel {
	switch {
	case bucket >= 90:
		return ImpactVeryHigh
	case bucket >= 75:
		return ImpactHigh
	case bucket >= 25:
		return ImpactModerate
	default:
		return ImpactLow
	}
}

func hintFor(bucket int) Hint {
	switch {
	case bucket >= 90:
		return HintAmongLargest
	case bucket >= 75:
		return HintAboveTypical
	case bucket >= 25:
		return HintTypical
	case bucket >= 10:
		return HintBelowTypical
	default:
		return HintAmongSmallest
	}
}

// Compute builds the indicator for value within its category and runs the
// leakage check on it. value must be one of values: a value from outside the
// population is rejected, since probing bucket edges with chosen values
// would recover the stored ones.
func (c Config) Compute(category string, values []float64, value float64) (*RelativeIndicator, error) {
	c = c.normalized()
	if len(values) < c.MinPopulation {
		return nil, fmt.Errorf("%w: category population %d below %d", ErrLeakageRejected, len(values), c.MinPopulation)
	}
	b := c.bucket(values, value)
	ind := &RelativeIndicator{
		Category:    category,
		ImpactLevel: impactFor(b),
		Percentile:  b,
		Hint:        hintFor(b),
	}
	if err := c.Verify(ind, values, value); err != nil {
		return nil, err
	}
	return ind, nil
}

// Verify is the leakage check. Every indicator passes through it before it
// can reach a reader.
func (c Config) Verify(ind *RelativeIndicator, values []float64, value float64) error {
	c = c.normalized()
	if ind == nil {
		return fmt.Errorf("%w: empty indicator", ErrLeakageRejected)
	}
	if len(values) < c.MinPopulation {
		return fmt.Errorf("%w: category population %d below %d", ErrLeakageRejected, len(values), c.MinPopulation)
	}
	if !member(values, value) {
		return fmt.Errorf("%w: value is not part of the category", ErrLeakageRejected)
	}
	if ind.Percentile < 0 || ind.Percentile >= 100 || ind.Percentile%c.BucketWidth != 0 {
		return fmt.Errorf("%w: percentile %d is not a bucket edge", ErrLeakageRejected, ind.Percentile)
	}
	if ind.ImpactLevel != impactFor(ind.Percentile) {
		return fmt.Errorf("%w: impact level %q does not match bucket", ErrLeakageRejected, ind.ImpactLevel)
	}
	if _, ok := knownHints[ind.Hint]; !ok {
		return fmt.Errorf("%w: hint outside the allowed set", ErrLeakageRejected)
	}
	for _, r := range ind.Hint {
		if unicode.IsDigit(r) || unicode.Is(unicode.Sc, r) {
			return fmt.Errorf("%w: hint contains a number or currency symbol", ErrLeakageRejected)
		}
	}

	if c.bucket(values, value) != ind.Percentile {
		return fmt.Errorf("%w: percentile does not match value", ErrLeakageRejected)
	}

	// a bucket holding a single distinct value names that value
	distinct := map[float64]struct{}{value: {}}
	others := 0
	for _, x := range values {
		if c.bucket(values, x) == ind.Percentile {
			distinct[x] = struct{}{}
		} else {
			others++
		}
	}
	if len(distinct) == 1 && others > 0 {
		return fmt.Errorf("%w: bucket %d holds a single value", ErrLeakageRejected, ind.Percentile)
	}
	return nil
}
