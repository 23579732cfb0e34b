package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/rebalancer/pkg/ledger"
)

// Extra runs policy modes
const (
	PolicyValidatorsWithScore = "validators-with-score"
	PolicyFixed               = "fixed"
	PolicyDisabled            = "disabled"
)

var (
	// ErrInvalidPolicy is returned for an unparseable extra runs policy
	ErrInvalidPolicy = errors.New("invalid extra runs policy")
)

// ExtraRunsPolicy decides how many extra rebalance runs to request late
// in the settlement window
type ExtraRunsPolicy struct {
	Mode  string
	Fixed uint32
}

// DefaultPolicy requests one extra run per validator with a score
func DefaultPolicy() ExtraRunsPolicy {
	return ExtraRunsPolicy{Mode: PolicyValidatorsWithScore}
}

// ParsePolicy parses "validators-with-score", "disabled" or "fixed:N"
func ParsePolicy(s string) (ExtraRunsPolicy, error) {
	switch {
	case s == "" || s == PolicyValidatorsWithScore:
		return DefaultPolicy(), nil
	case s == PolicyDisabled:
		return ExtraRunsPolicy{Mode: PolicyDisabled}, nil
	case strings.HasPrefix(s, PolicyFixed+":"):
		n, err := strconv.ParseUint(strings.TrimPrefix(s, PolicyFixed+":"), 10, 32)
		if err != nil {
			return ExtraRunsPolicy{}, fmt.Errorf("%w %q: %v", ErrInvalidPolicy, s, err)
		}
		return ExtraRunsPolicy{Mode: PolicyFixed, Fixed: uint32(n)}, nil
	default:
		return ExtraRunsPolicy{}, fmt.Errorf("%w %q", ErrInvalidPolicy, s)
	}
}

// String returns the textual form accepted by ParsePolicy
func (p ExtraRunsPolicy) String() string {
	if p.Mode == PolicyFixed {
		return fmt.Sprintf("%s:%d", PolicyFixed, p.Fixed)
	}
	if p.Mode == "" {
		return PolicyValidatorsWithScore
	}
	return p.Mode
}

// Wanted returns the allowance the policy asks for, false when disabled
func (p ExtraRunsPolicy) Wanted(snap *ledger.Snapshot) (uint32, bool) {
	switch p.Mode {
	case PolicyDisabled:
		return 0, false
	case PolicyFixed:
		return p.Fixed, true
	default:
		return snap.ValidatorsWithScore(), true
	}
}
