package version

import "testing"

func TestIsCompatibleIdentical(t *testing.T) {
	v := Version{Major: 1, Minor: 4, Patch: 2, Flags: Stable}
	if !IsCompatible(v, v) {
		t.Fatalf("identical versions must be compatible")
	}
}

func TestIsCompatibleRules(t *testing.T) {
	cases := []struct {
		required, available string
		want                bool
	}{
		{"1.0.0", "1.0.0", true},
		{"1.0.0", "1.1.0", true},
		{"1.2.0", "1.1.9", false},
		{"1.0.0", "2.0.0", false},
		{"2.0.0", "1.9.9", false},
		{"1.1.0", "1.1.5", true},
	}
	for _, c := range cases {
		got := IsCompatible(MustParse(c.required), MustParse(c.available))
		if got != c.want {
			t.Fatalf("IsCompatible(%s, %s) = %v, want %v", c.required, c.available, got, c.want)
		}
	}
}

func TestCheckCompatibilityMajorBreaking(t *testing.T) {
	res, reason := CheckCompatibility(MustParse("1.1.1"), MustParse("2.0.0"))
	if res != MajorBreaking {
		t.Fatalf("got %v (%s), want MajorBreaking", res, reason)
	}
}

func TestCheckCompatibilityDeprecated(t *testing.T) {
	avail := MustParse("1.2.0")
	avail.Flags = Deprecated
	res, _ := CheckCompatibility(MustParse("1.0.0"), avail)
	if res != DeprecatedVersion {
		t.Fatalf("got %v, want DeprecatedVersion", res)
	}
}

func TestCheckCompatibilityIdentical(t *testing.T) {
	v := MustParse("3.1.4")
	res, _ := CheckCompatibility(v, v)
	if res != Compatible {
		t.Fatalf("got %v, want Compatible", res)
	}
}

func TestSatisfiesRangeInclusive(t *testing.T) {
	min := MustParse("1.0.0")
	max := MustParse("2.0.0")
	for _, c := range []struct {
		v    string
		want bool
	}{
		{"1.0.0", true},
		{"2.0.0", true},
		{"1.5.3", true},
		{"0.9.9", false},
		{"2.0.1", false},
	} {
		if got := SatisfiesRange(MustParse(c.v), min, max); got != c.want {
			t.Fatalf("SatisfiesRange(%s) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestConstraintParseAndSatisfy(t *testing.T) {
	c, err := ParseConstraint(">=1.2.0 <2.0.0")
	if err != nil {
		t.Fatalf("ParseConstraint: %v", err)
	}
	for _, tc := range []struct {
		v    string
		want bool
	}{
		{"1.2.0", true},
		{"1.9.9", true},
		{"2.0.0", false},
		{"1.1.9", false},
	} {
		if got := c.Satisfies(MustParse(tc.v)); got != tc.want {
			t.Fatalf("Satisfies(%s) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestConstraintExcludesPrerelease(t *testing.T) {
	c, err := ParseConstraint(">=1.0.0")
	if err != nil {
		t.Fatalf("ParseConstraint: %v", err)
	}
	beta := MustParse("1.5.0")
	beta.Flags = Beta
	if c.Satisfies(beta) {
		t.Fatalf("prerelease must be rejected unless AllowPrerelease is set")
	}
	c.AllowPrerelease = true
	if !c.Satisfies(beta) {
		t.Fatalf("prerelease must be accepted with AllowPrerelease")
	}
}

func TestConstraintRejectsEmpty(t *testing.T) {
	if _, err := ParseConstraint("   "); err == nil {
		t.Fatalf("expected error for empty constraint")
	}
}
