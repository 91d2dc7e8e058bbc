package anomaly

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/platinummonkey/tenantguard/pkg/baseline"
)

// Severity only ever rises while an event is scored
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = []string{"none", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity is the inverse of String
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(s, name) {
			return Severity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Reason names one check that raised severity
type Reason string

const (
	ReasonVolumeHigh     Reason = "volume_high"
	ReasonVolumeCritical Reason = "volume_critical"
	ReasonUnusualHour    Reason = "unusual_hour"
	ReasonUnknownOrigin  Reason = "unknown_origin"
	ReasonUnknownClient  Reason = "unknown_client"
	ReasonMaskingBypass  Reason = "masking_bypass"
)

// DetectorConfig holds the scoring thresholds
type DetectorConfig struct {
	// HighMultiplier and CriticalMultiplier compare the day's volume with
	// the mean daily volume
	HighMultiplier     float64
	CriticalMultiplier float64
	// Hours in [UnusualStart, 24) and [0, UnusualEnd) are unusual
	UnusualStart int
	UnusualEnd   int
	// BypassPredicateThreshold is the number of masked-field predicates in one
	// request treated as an attempt to reconstruct masked values
	BypassPredicateThreshold int
}

// DefaultDetectorConfig returns 5x/20x volume multipliers, 22:00 to 06:00
// unusual hours and a bypass threshold of 3 predicates.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		HighMultiplier:           5,
		CriticalMultiplier:       20,
		UnusualStart:             22,
		UnusualEnd:               6,
		BypassPredicateThreshold: 3,
	}
}

func (c DetectorConfig) unusual(hour int) bool {
	if c.UnusualStart <= c.UnusualEnd {
		return hour >= c.UnusualStart && hour < c.UnusualEnd
	}
	return hour >= c.UnusualStart || hour < c.UnusualEnd
}

// Assessment is the result of scoring one event
type Assessment struct {
	Severity   Severity `json:"severity"`
	Reasons    []Reason `json:"reasons"`
	Confidence float64  `json:"confidence"`
	// Sufficient is false when the baseline is below the sample floor
	Sufficient bool `json:"sufficient"`
}

// Alertable reports whether the assessment warrants an alert: severity of
// at least medium against a sufficient baseline.
func (a Assessment) Alertable() bool {
	return a.Sufficient && a.Severity >= SeverityMedium
}

func (a *Assessment) raise(s Severity, r Reason) {
	if s > a.Severity {
		a.Severity = s
	}
	a.Reasons = append(a.Reasons, r)
}

// Detector scores live access events against a baseline
type Detector struct {
	cfg      DetectorConfig
	baseline baseline.Config
}

// NewDetector creates a detector
func NewDetector(cfg DetectorConfig, bcfg baseline.Config) *Detector {
	return &Detector{cfg: cfg, baseline: bcfg}
}

// Score runs every check against ev. Checks are independent and can only
// raise severity. The live event must not already be folded into b.
func (d *Detector) Score(b *baseline.Baseline, ev baseline.AccessEvent) Assessment {
	a := Assessment{
		Confidence: d.baseline.Confidence(b),
		Sufficient: d.baseline.Check(b) == nil,
	}

	if mean := b.MeanDaily(); mean > 0 {
		today := float64(b.RecordsOn(ev.At) + ev.RecordCount)
		switch ratio := today / mean; {
		case ratio >= d.cfg.CriticalMultiplier:
			a.raise(SeverityCritical, ReasonVolumeCritical)
		case ratio >= d.cfg.HighMultiplier:
			a.raise(SeverityHigh, ReasonVolumeHigh)
		}
	}

	hour := ev.At.UTC().Hour()
	if d.cfg.unusual(hour) && !b.ActiveHour(hour) {
		a.raise(SeverityMedium, ReasonUnusualHour)
	}

	if ev.Origin != "" && !b.KnowsOrigin(ev.Origin) {
		a.raise(SeverityMedium, ReasonUnknownOrigin)
	}
	if ev.ClientSignature != "" && !b.KnowsClient(ev.ClientSignature) {
		a.raise(SeverityLow, ReasonUnknownClient)
	}

	if ev.MaskedFieldSort || (d.cfg.BypassPredicateThreshold > 0 && ev.MaskedFieldFilters >= d.cfg.BypassPredicateThreshold) {
		a.raise(SeverityCritical, ReasonMaskingBypass)
	}
	return a
}
