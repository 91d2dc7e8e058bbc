package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Audience controls how much of a decision an explanation reveals
type Audience int

const (
	// AudienceMember sees only the primary reason
	AudienceMember Audience = iota
	// AudienceAdministrator sees the whole chain
	AudienceAdministrator
)

// Explanation is a rule-based rendering of a decision
type Explanation struct {
	Allowed bool     `json:"allowed"`
	Summary string   `json:"summary"`
	Steps   []string `json:"steps,omitempty"`
}

// Text joins summary and steps into one block
func (e Explanation) Text() string {
	if len(e.Steps) == 0 {
		return e.Summary
	}
	return e.Summary + "\n" + strings.Join(e.Steps, "\n")
}

// Explain renders a decision for the given audience. It is pure and always
// available; Humanize only rephrases its output.
func Explain(d *Decision, audience Audience) Explanation {
	exp := Explanation{Allowed: d.Allowed}

	if d.Allowed {
		exp.Summary = fmt.Sprintf("Allowed to %s.", d.Action)
	} else if p := d.Primary(); p != nil {
		exp.Summary = fmt.Sprintf("Not allowed to %s: %s.", d.Action, p.Detail)
	} else {
		exp.Summary = fmt.Sprintf("Not allowed to %s.", d.Action)
	}

	if audience == AudienceAdministrator {
		for i, c := range d.Chain {
			exp.Steps = append(exp.Steps, fmt.Sprintf("%d. %s [%s] %s", i+1, c.Check, c.Outcome, c.Detail))
		}
	}
	return exp
}

// Humanizer rephrases an already computed explanation, typically through a
// remote text generation service.
type Humanizer interface {
	Humanize(ctx context.Context, d *Decision, ruleText string) (string, error)
}

// Humanize asks h to rephrase the rule-based explanation within timeout. Any
// error, timeout or empty answer returns the rule-based text unchanged; the
// decision itself never depends on h.
func Humanize(ctx context.Context, h Humanizer, timeout time.Duration, d *Decision, audience Audience) string {
	text := Explain(d, audience).Text()
	if h == nil {
		return text
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := h.Humanize(ctx, d, text)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil || strings.TrimSpace(r.text) == "" {
			return text
		}
		return r.text
	case <-ctx.Done():
		return text
	}
}
