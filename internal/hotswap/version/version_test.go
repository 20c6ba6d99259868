package version

import "testing"

func TestCompareTotalOrder(t *testing.T) {
	ordered := []Version{
		MustParse("0.9.9"),
		MustParse("1.0.0"),
		MustParse("1.0.0+1"),
		MustParse("1.0.1"),
		MustParse("1.1.0"),
		MustParse("1.1.1"),
		MustParse("2.0.0"),
		MustParse("10.0.0"),
	}
	for i := 0; i < len(ordered); i++ {
		for j := 0; j < len(ordered); j++ {
			got := Compare(ordered[i], ordered[j])
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if got != want {
				t.Fatalf("Compare(%s, %s) = %d, want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestCompareTransitivity(t *testing.T) {
	v1 := MustParse("1.0.0")
	v2 := MustParse("1.1.0")
	v3 := MustParse("2.0.0")
	if Compare(v1, v2) >= 0 || Compare(v2, v3) >= 0 {
		t.Fatalf("test versions not strictly ordered")
	}
	if Compare(v1, v3) >= 0 {
		t.Fatalf("Compare(%s, %s) = %d, want < 0", v1, v3, Compare(v1, v3))
	}
	if Compare(v3, v1) <= 0 {
		t.Fatalf("Compare(%s, %s) = %d, want > 0", v3, v1, Compare(v3, v1))
	}
}

func TestCompareIgnoresFlags(t *testing.T) {
	a := Version{Major: 1, Minor: 2, Patch: 3, Flags: Stable}
	b := Version{Major: 1, Minor: 2, Patch: 3, Flags: Breaking | Beta}
	if Compare(a, b) != 0 {
		t.Fatalf("flags must not influence ordering")
	}
}

func TestParseRoundTrip(t *testing.T) {
	cases := []string{"1.0.0", "0.0.1", "12.34.56", "1.2.3+99"}
	for _, s := range cases {
		v, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if v.String() != s {
			t.Fatalf("round trip %q -> %q", s, v.String())
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "1", "1.2", "1.2.3.4", "a.b.c", "1.2.x", "1.2.3+", "1.2.3+x"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q): expected error", s)
		}
	}
}

func TestContentHashStable(t *testing.T) {
	a := Version{Major: 1, Minor: 2, Patch: 3, Build: 4, Flags: Stable}
	b := Version{Major: 1, Minor: 2, Patch: 3, Build: 4, Flags: Stable, Timestamp: 12345}
	if a.ContentHash() != b.ContentHash() {
		t.Fatalf("timestamp must not affect the content hash")
	}
	c := Version{Major: 1, Minor: 2, Patch: 3, Build: 4, Flags: Breaking}
	if a.ContentHash() == c.ContentHash() {
		t.Fatalf("flags must affect the content hash")
	}
}

func TestFlagsString(t *testing.T) {
	f := Stable | Breaking
	if got := f.String(); got != "stable|breaking" {
		t.Fatalf("Flags.String() = %q", got)
	}
	if got := Flags(0).String(); got != "none" {
		t.Fatalf("zero Flags.String() = %q", got)
	}
}
