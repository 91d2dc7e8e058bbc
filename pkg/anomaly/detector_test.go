package anomaly

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantguard/pkg/baseline"
)

var start = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

// learned builds a baseline of n daily accesses of 10 records at 10:00 from
// the office over the web client
func learned(n int) *baseline.Baseline {
	b := baseline.New(7)
	for i := 0; i < n; i++ {
		b.Fold(baseline.AccessEvent{
			PrincipalID:     7,
			At:              start.Add(time.Duration(i)*24*time.Hour + 10*time.Hour),
			RecordCount:     10,
			Origin:          "office",
			ClientSignature: "web",
		})
	}
	return b
}

func live(hour int, records int) baseline.AccessEvent {
	return baseline.AccessEvent{
		PrincipalID:     7,
		OrganizationID:  1,
		At:              start.Add(60*24*time.Hour + time.Duration(hour)*time.Hour),
		RecordCount:     records,
		Origin:          "office",
		ClientSignature: "web",
	}
}

func TestDetector_Score(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig(), baseline.DefaultConfig())
	b := learned(30)

	tests := []struct {
		name     string
		mutate   func(ev *baseline.AccessEvent)
		severity Severity
		reasons  []Reason
	}{
		{"ordinary access", func(ev *baseline.AccessEvent) {}, SeverityNone, nil},
		{"four times normal volume", func(ev *baseline.AccessEvent) { ev.RecordCount = 40 }, SeverityNone, nil},
		{"five times normal volume", func(ev *baseline.AccessEvent) { ev.RecordCount = 50 }, SeverityHigh, []Reason{ReasonVolumeHigh}},
		{"twenty times normal volume", func(ev *baseline.AccessEvent) { ev.RecordCount = 200 }, SeverityCritical, []Reason{ReasonVolumeCritical}},
		{"unusual hour never active", func(ev *baseline.AccessEvent) { ev.At = ev.At.Add(13 * time.Hour) }, SeverityMedium, []Reason{ReasonUnusualHour}},
		{"quiet hour outside the unusual boundary", func(ev *baseline.AccessEvent) { ev.At = ev.At.Add(4 * time.Hour) }, SeverityNone, nil},
		{"unknown origin", func(ev *baseline.AccessEvent) { ev.Origin = "198.51.100.0/24" }, SeverityMedium, []Reason{ReasonUnknownOrigin}},
		{"unknown client alone stays low", func(ev *baseline.AccessEvent) { ev.ClientSignature = "curl" }, SeverityLow, []Reason{ReasonUnknownClient}},
		{"sorting by a masked field", func(ev *baseline.AccessEvent) { ev.MaskedFieldSort = true }, SeverityCritical, []Reason{ReasonMaskingBypass}},
		{"probing a masked field", func(ev *baseline.AccessEvent) { ev.MaskedFieldFilters = 3 }, SeverityCritical, []Reason{ReasonMaskingBypass}},
		{"two predicates are tolerated", func(ev *baseline.AccessEvent) { ev.MaskedFieldFilters = 2 }, SeverityNone, nil},
		{
			"checks only raise severity",
			func(ev *baseline.AccessEvent) { ev.MaskedFieldSort = true; ev.Origin = "elsewhere" },
			SeverityCritical,
			[]Reason{ReasonUnknownOrigin, ReasonMaskingBypass},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := live(10, 10)
			tt.mutate(&ev)
			a := d.Score(b, ev)
			assert.Equal(t, tt.severity, a.Severity)
			assert.Equal(t, tt.reasons, a.Reasons)
			assert.True(t, a.Sufficient)
		})
	}
}

func TestDetector_NeverAlertsBelowFloor(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig(), baseline.DefaultConfig())
	b := learned(19)

	ev := live(23, 100000)
	ev.MaskedFieldSort = true
	ev.Origin = "nowhere"

	a := d.Score(b, ev)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.False(t, a.Sufficient)
	assert.False(t, a.Alertable())

	assert.True(t, d.Score(learned(20), ev).Alertable())
}

func TestDetector_EmptyBaselineSkipsVolume(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig(), baseline.DefaultConfig())
	a := d.Score(baseline.New(7), baseline.AccessEvent{At: start.Add(12 * time.Hour), RecordCount: 1000})
	assert.Equal(t, SeverityNone, a.Severity)
	assert.Zero(t, a.Confidence)
}

func TestDetectorConfig_UnusualWindow(t *testing.T) {
	cfg := DefaultDetectorConfig()
	for h := 0; h < 24; h++ {
		assert.Equal(t, h >= 22 || h < 6, cfg.unusual(h), "hour %d", h)
	}
	daytime := DetectorConfig{UnusualStart: 12, UnusualEnd: 14}
	assert.True(t, daytime.unusual(13))
	assert.False(t, daytime.unusual(14))
}

func TestSeverity_JSON(t *testing.T) {
	data, err := json.Marshal(SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, `"high"`, string(data))

	var s Severity
	require.NoError(t, json.Unmarshal([]byte(`"CRITICAL"`), &s))
	assert.Equal(t, SeverityCritical, s)
	assert.Error(t, json.Unmarshal([]byte(`"severe"`), &s))
	assert.Equal(t, "severity(9)", Severity(9).String())
}
