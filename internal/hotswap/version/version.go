// Package version implements semantic versions with metadata flags, a total
// ordering, and the compatibility rules used by the module registry and the
// migration engine.
package version

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// Flags describe orthogonal characteristics of a version. They influence
// policy (migration strategy, compatibility warnings) but never ordering.
type Flags uint32

const (
	Stable Flags = 1 << iota
	Beta
	Alpha
	Development
	Hotfix
	Breaking
	Deprecated
	Security
	Experimental
	LTS
	Prerelease
	Snapshot
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{Stable, "stable"},
	{Beta, "beta"},
	{Alpha, "alpha"},
	{Development, "dev"},
	{Hotfix, "hotfix"},
	{Breaking, "breaking"},
	{Deprecated, "deprecated"},
	{Security, "security"},
	{Experimental, "experimental"},
	{LTS, "lts"},
	{Prerelease, "prerelease"},
	{Snapshot, "snapshot"},
}

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.f) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// Version is a semantic version with a build number and metadata flags.
// Ordering is lexicographic over (Major, Minor, Patch, Build); flags,
// timestamp, and hash never participate in ordering.
type Version struct {
	Major     uint32
	Minor     uint32
	Patch     uint32
	Build     uint32
	Flags     Flags
	Timestamp int64
	Hash      uint64
}

// New returns a version stamped with the current time and its content hash.
func New(major, minor, patch, build uint32, flags Flags) Version {
	v := Version{
		Major:     major,
		Minor:     minor,
		Patch:     patch,
		Build:     build,
		Flags:     flags,
		Timestamp: time.Now().UnixNano(),
	}
	v.Hash = v.ContentHash()
	return v
}

// MustParse is Parse for package-level literals; it panics on malformed input.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Parse accepts "major.minor.patch" with an optional "+build" suffix.
func Parse(s string) (Version, error) {
	var v Version
	body := s
	if i := strings.IndexByte(s, '+'); i >= 0 {
		body = s[:i]
		b, err := strconv.ParseUint(s[i+1:], 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: bad build: %w", s, err)
		}
		v.Build = uint32(b)
	}
	parts := strings.Split(body, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q: want major.minor.patch", s)
	}
	nums := make([]uint32, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: component %q: %w", s, p, err)
		}
		nums[i] = uint32(n)
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	v.Hash = v.ContentHash()
	return v, nil
}

func (v Version) String() string {
	if v.Build == 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d.%d+%d", v.Major, v.Minor, v.Patch, v.Build)
}

// ContentHash hashes the numeric components and flags. It is stable across
// processes and used to tag checkpoints and registry entries.
func (v Version) ContentHash() uint64 {
	h := fnv.New64a()
	var buf [20]byte
	binary.LittleEndian.PutUint32(buf[0:], v.Major)
	binary.LittleEndian.PutUint32(buf[4:], v.Minor)
	binary.LittleEndian.PutUint32(buf[8:], v.Patch)
	binary.LittleEndian.PutUint32(buf[12:], v.Build)
	binary.LittleEndian.PutUint32(buf[16:], uint32(v.Flags))
	h.Write(buf[:])
	return h.Sum64()
}

// Compare returns -1, 0, or +1 ordering a against b over
// (major, minor, patch, build), build compared last.
func Compare(a, b Version) int {
	for _, p := range [4][2]uint32{
		{a.Major, b.Major},
		{a.Minor, b.Minor},
		{a.Patch, b.Patch},
		{a.Build, b.Build},
	} {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

// Equal reports whether the numeric components match; flags are ignored,
// matching Compare.
func Equal(a, b Version) bool { return Compare(a, b) == 0 }

// IsNewer reports whether a is strictly newer than b.
func IsNewer(a, b Version) bool { return Compare(a, b) > 0 }
