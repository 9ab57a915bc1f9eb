// Package retention owns message lifetime: the tier policy table, expiry
// computation, asynchronous retargeting when a subscription changes, and
// the sweep that reclaims expired rows.
package retention

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Policy maps subscription tiers to retention windows in days.
type Policy struct {
	days map[string]int
}

// DefaultPolicy is the launch tier table.
func DefaultPolicy() Policy {
	return Policy{days: map[string]int{
		"free": 30,
		"plus": 180,
		"pro":  365,
	}}
}

// ParsePolicy reads a "tier:days,tier:days" table. Empty input yields the
// default table. The table is billing input, so malformed entries are
// configuration errors rather than silently skipped.
func ParsePolicy(spec string) (Policy, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return DefaultPolicy(), nil
	}
	days := make(map[string]int)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tier, val, ok := strings.Cut(part, ":")
		if !ok {
			return Policy{}, fmt.Errorf("invalid retention entry %q, want tier:days", part)
		}
		tier = strings.ToLower(strings.TrimSpace(tier))
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n <= 0 {
			return Policy{}, fmt.Errorf("invalid retention days %q for tier %q", val, tier)
		}
		if _, dup := days[tier]; dup {
			return Policy{}, fmt.Errorf("duplicate retention tier %q", tier)
		}
		days[tier] = n
	}
	if len(days) == 0 {
		return Policy{}, fmt.Errorf("retention table %q has no entries", spec)
	}
	return Policy{days: days}, nil
}

// Days returns the retention window for a tier.
func (p Policy) Days(tier string) (int, error) {
	n, ok := p.days[strings.ToLower(strings.TrimSpace(tier))]
	if !ok {
		return 0, fmt.Errorf("unknown retention tier %q", tier)
	}
	return n, nil
}

// TTL returns the tier's window as a duration.
func (p Policy) TTL(tier string) (time.Duration, error) {
	n, err := p.Days(tier)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * 24 * time.Hour, nil
}

// ComputeTTL returns the instant a message written at createdAt stops
// being readable for the given tier: exactly createdAt plus the tier's
// window, no rounding to day boundaries.
func (p Policy) ComputeTTL(tier string, createdAt time.Time) (time.Time, error) {
	ttl, err := p.TTL(tier)
	if err != nil {
		return time.Time{}, err
	}
	return createdAt.Add(ttl), nil
}

// Tiers lists the known tiers in stable order, for error messages and
// validation output.
func (p Policy) Tiers() []string {
	out := make([]string, 0, len(p.days))
	for tier := range p.days {
		out = append(out, tier)
	}
	sort.Strings(out)
	return out
}
