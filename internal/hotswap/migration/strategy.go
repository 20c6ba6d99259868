package migration

import (
	"simswap.dev/internal/hotswap/version"
)

// Strategy selects how state moves from one module version to the next.
type Strategy int

const (
	// StrategyNone means the versions are equal; nothing to do.
	StrategyNone Strategy = iota
	// StrategyAutomatic runs registered steps without operator involvement.
	StrategyAutomatic
	// StrategyManual requires an explicit operator override before any state
	// is touched.
	StrategyManual
	// StrategyRollback is a downgrade to an earlier version.
	StrategyRollback
	// StrategyForce is a major upgrade without a declared break. It is never
	// selected implicitly; Execute refuses it unless AllowForce is set.
	StrategyForce
)

func (s Strategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyAutomatic:
		return "automatic"
	case StrategyManual:
		return "manual"
	case StrategyRollback:
		return "rollback"
	case StrategyForce:
		return "force"
	default:
		return "unknown"
	}
}

// DetermineStrategy classifies the from→to transition. Downgrades are always
// rollbacks. Upgrades within a major are automatic unless the target declares
// a break; upgrades across a major boundary are manual when the break is
// declared and force when it is not.
func DetermineStrategy(from, to version.Version) Strategy {
	switch c := version.Compare(to, from); {
	case c == 0:
		return StrategyNone
	case c < 0:
		return StrategyRollback
	}
	if to.Flags.Has(version.Breaking) {
		return StrategyManual
	}
	if to.Major != from.Major {
		return StrategyForce
	}
	return StrategyAutomatic
}
