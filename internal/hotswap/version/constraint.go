package version

import (
	"fmt"
	"strings"
)

// Constraint restricts the versions a dependency accepts. Zero-value bounds
// are open: an unset Max means "no upper bound".
type Constraint struct {
	Min             Version
	Max             Version
	HasMin          bool
	HasMax          bool
	MinExclusive    bool
	MaxExclusive    bool
	RequiredFlags   Flags
	ExcludedFlags   Flags
	AllowPrerelease bool
}

// ParseConstraint parses expressions like ">=1.2.0 <2.0.0", ">1.0.0" or
// "<=3.1.4". Clauses are whitespace-separated and combined with AND.
func ParseConstraint(s string) (Constraint, error) {
	var c Constraint
	for _, clause := range strings.Fields(s) {
		op := ""
		rest := clause
		for _, candidate := range []string{">=", "<=", ">", "<", "=="} {
			if strings.HasPrefix(clause, candidate) {
				op = candidate
				rest = clause[len(candidate):]
				break
			}
		}
		if op == "" {
			op = "=="
		}
		v, err := Parse(rest)
		if err != nil {
			return Constraint{}, fmt.Errorf("constraint clause %q: %w", clause, err)
		}
		switch op {
		case ">=":
			c.Min, c.HasMin, c.MinExclusive = v, true, false
		case ">":
			c.Min, c.HasMin, c.MinExclusive = v, true, true
		case "<=":
			c.Max, c.HasMax, c.MaxExclusive = v, true, false
		case "<":
			c.Max, c.HasMax, c.MaxExclusive = v, true, true
		case "==":
			c.Min, c.HasMin, c.MinExclusive = v, true, false
			c.Max, c.HasMax, c.MaxExclusive = v, true, false
		}
	}
	if !c.HasMin && !c.HasMax {
		return Constraint{}, fmt.Errorf("constraint %q: no clauses", s)
	}
	return c, nil
}

// Satisfies reports whether v meets every clause of c.
func (c Constraint) Satisfies(v Version) bool {
	if c.HasMin {
		cmp := Compare(v, c.Min)
		if cmp < 0 || (cmp == 0 && c.MinExclusive) {
			return false
		}
	}
	if c.HasMax {
		cmp := Compare(v, c.Max)
		if cmp > 0 || (cmp == 0 && c.MaxExclusive) {
			return false
		}
	}
	if !v.Flags.Has(c.RequiredFlags) {
		return false
	}
	if v.Flags&c.ExcludedFlags != 0 {
		return false
	}
	if !c.AllowPrerelease && v.Flags&(Alpha|Beta|Prerelease) != 0 {
		return false
	}
	return true
}

func (c Constraint) String() string {
	var parts []string
	if c.HasMin {
		op := ">="
		if c.MinExclusive {
			op = ">"
		}
		parts = append(parts, op+c.Min.String())
	}
	if c.HasMax {
		op := "<="
		if c.MaxExclusive {
			op = "<"
		}
		parts = append(parts, op+c.Max.String())
	}
	return strings.Join(parts, " ")
}
