package baseline

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// AccessEvent describes one read of sensitive fields. It carries counts and
// access context only; the values read never reach this package.
type AccessEvent struct {
	PrincipalID     int64     `json:"principal_id"`
	OrganizationID  int64     `json:"organization_id"`
	At              time.Time `json:"at"`
	RecordCount     int       `json:"record_count"`
	Resource        string    `json:"resource"`
	Origin          string    `json:"origin,omitempty"`
	ClientSignature string    `json:"client_signature,omitempty"`

	// MaskedFieldFilters counts predicates in the request that target a
	// masked field (range or equality predicates)
	MaskedFieldFilters int `json:"masked_field_filters,omitempty"`
	// MaskedFieldSort is set when results were ordered by a masked field
	MaskedFieldSort bool `json:"masked_field_sort,omitempty"`

	// AuditID is the ledger row recording this access, zero until recorded
	AuditID int64 `json:"audit_id,omitempty"`
}

// DayStats aggregates one UTC day of access
type DayStats struct {
	Records int     `json:"records"`
	Events  int     `json:"events"`
	Hours   [24]int `json:"hours"`
}

// Baseline is a principal's learned-normal access profile over a rolling
// window. It is derived from audit history and may be rebuilt at any time.
type Baseline struct {
	PrincipalID int64                `json:"principal_id"`
	Days        map[string]*DayStats `json:"days"`
	// Origins and ClientSignatures map to the last time they were seen
	Origins          map[string]time.Time `json:"origins"`
	ClientSignatures map[string]time.Time `json:"client_signatures"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

const dayLayout = "2006-01-02"

// New returns an empty baseline
func New(principalID int64) *Baseline {
	return &Baseline{
		PrincipalID:      principalID,
		Days:             make(map[string]*DayStats),
		Origins:          make(map[string]time.Time),
		ClientSignatures: make(map[string]time.Time),
	}
}

// Fold adds ev to the baseline
func (b *Baseline) Fold(ev AccessEvent) {
	at := ev.At.UTC()
	key := at.Format(dayLayout)
	day, ok := b.Days[key]
	if !ok {
		day = &DayStats{}
		b.Days[key] = day
	}
	day.Records += ev.RecordCount
	day.Events++
	day.Hours[at.Hour()]++

	if ev.Origin != "" && at.After(b.Origins[ev.Origin]) {
		b.Origins[ev.Origin] = at
	}
	if ev.ClientSignature != "" && at.After(b.ClientSignatures[ev.ClientSignature]) {
		b.ClientSignatures[ev.ClientSignature] = at
	}
	if at.After(b.UpdatedAt) {
		b.UpdatedAt = at
	}
}

// Prune drops everything older than window as of now
func (b *Baseline) Prune(now time.Time, window time.Duration) {
	cutoff := now.UTC().Add(-window)
	cutoffDay := cutoff.Format(dayLayout)
	for key := range b.Days {
		if key < cutoffDay {
			delete(b.Days, key)
		}
	}
	for o, seen := range b.Origins {
		if seen.Before(cutoff) {
			delete(b.Origins, o)
		}
	}
	for c, seen := range b.ClientSignatures {
		if seen.Before(cutoff) {
			delete(b.ClientSignatures, c)
		}
	}
}

// Samples is the number of access events in the window
func (b *Baseline) Samples() int {
	n := 0
	for _, d := range b.Days {
		n += d.Events
	}
	return n
}

// MeanDaily is the mean record count over days with any access
func (b *Baseline) MeanDaily() float64 {
	if len(b.Days) == 0 {
		return 0
	}
	total := 0
	for _, d := range b.Days {
		total += d.Records
	}
	return float64(total) / float64(len(b.Days))
}

// PeakDaily is the largest single-day record count
func (b *Baseline) PeakDaily() int {
	peak := 0
	for _, d := range b.Days {
		if d.Records > peak {
			peak = d.Records
		}
	}
	return peak
}

// Hours is the hour-of-day histogram of access events
func (b *Baseline) Hours() [24]int {
	var hours [24]int
	for _, d := range b.Days {
		for h, n := range d.Hours {
			hours[h] += n
		}
	}
	return hours
}

// ActiveHour reports whether the principal has accessed data in hour h
func (b *Baseline) ActiveHour(h int) bool {
	return b.Hours()[h] > 0
}

// RecordsOn returns the records accessed on the UTC day of t
func (b *Baseline) RecordsOn(t time.Time) int {
	if d, ok := b.Days[t.UTC().Format(dayLayout)]; ok {
		return d.Records
	}
	return 0
}

func (b *Baseline) KnowsOrigin(origin string) bool {
	_, ok := b.Origins[origin]
	return ok
}

func (b *Baseline) KnowsClient(signature string) bool {
	_, ok := b.ClientSignatures[signature]
	return ok
}

// SortedOrigins lists known origins alphabetically
func (b *Baseline) SortedOrigins() []string {
	out := make([]string, 0, len(b.Origins))
	for o := range b.Origins {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy
func (b *Baseline) Clone() *Baseline {
	c := New(b.PrincipalID)
	c.UpdatedAt = b.UpdatedAt
	for k, d := range b.Days {
		dc := *d
		c.Days[k] = &dc
	}
	for k, v := range b.Origins {
		c.Origins[k] = v
	}
	for k, v := range b.ClientSignatures {
		c.ClientSignatures[k] = v
	}
	return c
}

// Config tunes the rolling window and confidence curve
type Config struct {
	Window time.Duration
	// MinSamples is the floor below which a baseline is insufficient
	MinSamples int
	// FullConfidenceSamples is where confidence reaches 1
	FullConfidenceSamples int
}

// DefaultConfig returns a 90 day window, a floor of 20 samples and full
// confidence at 200.
func DefaultConfig() Config {
	return Config{
		Window:                90 * 24 * time.Hour,
		MinSamples:            20,
		FullConfidenceSamples: 200,
	}
}

// Confidence grows linearly with samples and is capped at 1
func (c Config) Confidence(b *Baseline) float64 {
	if c.FullConfidenceSamples <= 0 {
		return 1
	}
	conf := float64(b.Samples()) / float64(c.FullConfidenceSamples)
	if conf > 1 {
		return 1
	}
	return conf
}

// Check returns *InsufficientBaselineError when b is below the floor
func (c Config) Check(b *Baseline) error {
	if n := b.Samples(); n < c.MinSamples {
		return &InsufficientBaselineError{PrincipalID: b.PrincipalID, Samples: n, Required: c.MinSamples}
	}
	return nil
}

// ErrNotFound is returned by stores with no baseline for a principal
var ErrNotFound = errors.New("baseline not found")

// InsufficientBaselineError means there is too little history to judge
// access. Callers withhold judgment silently.
type InsufficientBaselineError struct {
	PrincipalID int64
	Samples     int
	Required    int
}

func (e *InsufficientBaselineError) Error() string {
	return fmt.Sprintf("baseline for principal %d has %d samples, %d required", e.PrincipalID, e.Samples, e.Required)
}
