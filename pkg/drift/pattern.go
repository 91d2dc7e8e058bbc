package drift

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/capability"
)

var (
	// ErrStalePattern means a membership changed after the pattern was
	// computed. Nothing is migrated; analyze again.
	ErrStalePattern    = errors.New("drift pattern is stale; memberships changed since analysis")
	ErrPatternNotFound = errors.New("drift pattern not found")
)

// Member is one membership covered by a pattern, at the version observed
// during analysis
type Member struct {
	MembershipID int64 `json:"membership_id"`
	PrincipalID  int64 `json:"principal_id"`
	Version      int64 `json:"version"`
}

// Pattern is a proposal to turn a shared override set into a role
type Pattern struct {
	ID             string         `json:"id"`
	OrganizationID int64          `json:"organization_id"`
	BaseRoleID     int64          `json:"base_role_id"`
	BaseRoleName   string         `json:"base_role_name"`
	Overrides      capability.Set `json:"overrides"`
	Members        []Member       `json:"members"`
	RolePopulation int            `json:"role_population"`
	Share          float64        `json:"share"`
	Confidence     float64        `json:"confidence"`
	SuggestedName  string         `json:"suggested_name"`
	Description    string         `json:"description"`
}

// MembershipIDs returns the ids of the covered memberships
func (p *Pattern) MembershipIDs() []int64 {
	ids := make([]int64, len(p.Members))
	for i, m := range p.Members {
		ids[i] = m.MembershipID
	}
	return ids
}

// Config holds the qualification thresholds
type Config struct {
	MinSize      int
	MinShare     float64
	NamerTimeout time.Duration
}

// DefaultConfig requires 5 members making up 30% of the role
func DefaultConfig() Config {
	return Config{MinSize: 5, MinShare: 0.30, NamerTimeout: 2 * time.Second}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MinSize <= 0 {
		c.MinSize = d.MinSize
	}
	if c.MinShare <= 0 || c.MinShare > 1 {
		c.MinShare = d.MinShare
	}
	if c.NamerTimeout <= 0 {
		c.NamerTimeout = d.NamerTimeout
	}
	return c
}

// qualifies reports whether size members out of population form a pattern
func (c Config) qualifies(size, population int) bool {
	if population == 0 || size < c.MinSize {
		return false
	}
	return float64(size)/float64(population) >= c.MinShare
}

// PatternID is stable for an organization, base role and override set
func PatternID(orgID, baseRoleID int64, overrides capability.Set) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s", orgID, baseRoleID, overrides.CanonicalKey())))
	return hex.EncodeToString(sum[:8])
}

// confidence grows with the number of members and with their share of the
// role. Twenty members covering the whole role score 1.
func confidence(size, population int) float64 {
	sizeScore := math.Min(1, float64(size)/20)
	share := float64(size) / float64(population)
	return math.Round((0.5*sizeScore+0.5*share)*100) / 100
}

// RuleName derives a role name and description from the pattern alone
func RuleName(p Pattern) (string, string) {
	var granted, revoked []string
	for c, v := range p.Overrides {
		if v {
			granted = append(granted, string(c))
		} else {
			revoked = append(revoked, string(c))
		}
	}
	sort.Strings(granted)
	sort.Strings(revoked)

	name := p.BaseRoleName
	for _, c := range granted {
		name += "+" + c
	}
	for _, c := range revoked {
		name += "-" + c
	}

	var parts []string
	if len(granted) > 0 {
		parts = append(parts, "plus "+strings.Join(granted, ", "))
	}
	if len(revoked) > 0 {
		parts = append(parts, "without "+strings.Join(revoked, ", "))
	}
	desc := fmt.Sprintf("%s %s; shared by %d of %d members holding %s",
		p.BaseRoleName, strings.Join(parts, " and "), len(p.Members), p.RolePopulation, p.BaseRoleName)
	return name, desc
}
