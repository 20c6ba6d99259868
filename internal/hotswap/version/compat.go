package version

import "fmt"

// CompatResult classifies an (required, available) pair.
type CompatResult int

const (
	Compatible CompatResult = iota
	// MigrationRequired means the pair is usable after a state migration
	// (same major, newer minor/patch on the available side).
	MigrationRequired
	MajorBreaking
	MinorIncompatible
	DeprecatedVersion
	SecurityRisk
)

func (r CompatResult) String() string {
	switch r {
	case Compatible:
		return "compatible"
	case MigrationRequired:
		return "migration-required"
	case MajorBreaking:
		return "major-breaking"
	case MinorIncompatible:
		return "minor-incompatible"
	case DeprecatedVersion:
		return "deprecated"
	case SecurityRisk:
		return "security-risk"
	}
	return fmt.Sprintf("compat(%d)", int(r))
}

// IsCompatible reports whether available can serve a dependency declared
// against required: identical major version and a minor at least as new.
func IsCompatible(required, available Version) bool {
	return available.Major == required.Major && available.Minor >= required.Minor
}

// CheckCompatibility returns a detailed classification plus a human-readable
// reason. Flag-derived results (deprecated, security) are advisory and only
// reported for otherwise-usable pairs.
func CheckCompatibility(required, available Version) (CompatResult, string) {
	if available.Major != required.Major {
		return MajorBreaking, fmt.Sprintf("major mismatch: required %s, available %s", required, available)
	}
	if available.Minor < required.Minor {
		return MinorIncompatible, fmt.Sprintf("minor too old: required %s, available %s", required, available)
	}
	if available.Flags.Has(Deprecated) {
		return DeprecatedVersion, fmt.Sprintf("version %s is deprecated", available)
	}
	if available.Flags.Has(Security) && Compare(available, required) < 0 {
		return SecurityRisk, fmt.Sprintf("version %s carries unapplied security fixes", available)
	}
	if Compare(required, available) == 0 && required.Flags == available.Flags {
		return Compatible, "identical versions"
	}
	if available.Minor > required.Minor || available.Patch != required.Patch || available.Build != required.Build {
		return MigrationRequired, fmt.Sprintf("state migration required: %s -> %s", required, available)
	}
	return Compatible, "compatible"
}

// SatisfiesRange reports whether v lies within [min, max], bounds inclusive.
func SatisfiesRange(v, min, max Version) bool {
	return Compare(v, min) >= 0 && Compare(v, max) <= 0
}
