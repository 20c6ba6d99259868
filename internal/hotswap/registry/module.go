package registry

import (
	"strings"
	"time"

	"simswap.dev/internal/hotswap/version"
)

// Capability bits describe what a module provides or requires.
type Capability uint32

const (
	CapGraphics Capability = 1 << iota
	CapSimulation
	CapAI
	CapMemoryHeavy
	CapThreading
	CapNetworking
	CapPersistence
	CapAudio
	CapPlatform
	CapCritical
	CapHotSwappable
	CapDependency
	CapExperimental
)

var capNames = []struct {
	c    Capability
	name string
}{
	{CapGraphics, "graphics"},
	{CapSimulation, "simulation"},
	{CapAI, "ai"},
	{CapMemoryHeavy, "memory_heavy"},
	{CapThreading, "threading"},
	{CapNetworking, "networking"},
	{CapPersistence, "persistence"},
	{CapAudio, "audio"},
	{CapPlatform, "platform"},
	{CapCritical, "critical"},
	{CapHotSwappable, "hot_swappable"},
	{CapDependency, "dependency"},
	{CapExperimental, "experimental"},
}

// Has reports whether all bits of want are present.
func (c Capability) Has(want Capability) bool { return c&want == want }

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, cn := range capNames {
		if c.Has(cn.c) {
			parts = append(parts, cn.name)
		}
	}
	return strings.Join(parts, "|")
}

// CapabilityFromName maps a manifest capability name to its bit; unknown
// names map to zero.
func CapabilityFromName(name string) Capability {
	for _, cn := range capNames {
		if cn.name == name {
			return cn.c
		}
	}
	return 0
}

// Module is the lifecycle hook surface a concrete module implements. The
// orchestrator and host loop depend only on this interface.
type Module interface {
	Init() error
	Update(dt time.Duration) error
	Pause() error
	Resume() error
	Shutdown() error
	PreSwap() error
	PostSwap() error
	ValidateState() error
}

// Dependency declares one required (or optional) module with the version
// range and capabilities the depender needs from it.
type Dependency struct {
	Name         string
	Min          version.Version
	Max          version.Version
	RequiredCaps Capability
	Optional     bool
}

// Metrics accumulates per-module runtime counters.
type Metrics struct {
	InitTime      time.Duration
	TotalUpdates  uint64
	AvgUpdateTime time.Duration
	PeakUpdate    time.Duration
	ErrorCount    uint32
	WarningCount  uint32
}

// RecordUpdate folds one Update call into the running metrics.
func (m *Metrics) RecordUpdate(d time.Duration) {
	m.TotalUpdates++
	if d > m.PeakUpdate {
		m.PeakUpdate = d
	}
	// Incremental mean keeps the counter O(1) per tick.
	m.AvgUpdateTime += (d - m.AvgUpdateTime) / time.Duration(m.TotalUpdates)
}

// Descriptor tracks one registered module. The registry owns descriptors;
// callers hold references only for the duration of an operation.
type Descriptor struct {
	Name        string
	Description string
	Author      string
	Version     version.Version
	Path        string

	Capabilities Capability
	Requirements Capability
	Dependencies []Dependency

	Hooks Module

	State      State
	LoadedAt   time.Time
	LastUpdate time.Time
	Metrics    Metrics
}
