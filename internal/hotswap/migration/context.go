package migration

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"simswap.dev/internal/hotswap/version"
)

// State tracks a migration through its phases. Failed is terminal; a rolled
// back migration still ends Failed, with RolledBack set on the snapshot.
type State int

const (
	StateInit State = iota
	StateBackup
	StateValidate
	StateMigrate
	StateVerify
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateBackup:
		return "backup"
	case StateValidate:
		return "validate"
	case StateMigrate:
		return "migrate"
	case StateVerify:
		return "verify"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Flags gate the optional phases and operator overrides of one migration.
type Flags struct {
	Backup         bool
	Validate       bool
	Verify         bool
	RollbackOnFail bool
	AllowForce     bool
}

// DefaultFlags enables every safety phase. Callers opt out per migration.
func DefaultFlags() Flags {
	return Flags{Backup: true, Validate: true, Verify: true, RollbackOnFail: true}
}

// Context carries one migration request and its observable status. The
// identity fields are immutable after NewContext; status fields are guarded
// by the mutex and read through Snapshot.
type Context struct {
	ID       uuid.UUID
	Module   string
	From     version.Version
	To       version.Version
	Strategy Strategy
	Flags    Flags

	// Timeout bounds the whole migration; zero means no deadline beyond the
	// caller's context. RetryCount retries the migrate phase on step failure.
	Timeout    time.Duration
	RetryCount int

	mu         sync.Mutex
	state      State
	progress   int
	rolledBack bool
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// NewContext builds a migration context with the strategy derived from the
// version pair.
func NewContext(module string, from, to version.Version, flags Flags) *Context {
	return &Context{
		ID:       uuid.New(),
		Module:   module,
		From:     from,
		To:       to,
		Strategy: DetermineStrategy(from, to),
		Flags:    flags,
	}
}

// Snapshot is a point-in-time copy of a migration's status.
type Snapshot struct {
	ID         uuid.UUID       `json:"id"`
	Module     string          `json:"module"`
	From       version.Version `json:"from"`
	To         version.Version `json:"to"`
	Strategy   Strategy        `json:"strategy"`
	State      State           `json:"state"`
	Progress   int             `json:"progress"`
	RolledBack bool            `json:"rolled_back"`
	Err        string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Snapshot returns the current status. Safe to call from any goroutine while
// Execute runs.
func (m *Context) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		ID:         m.ID,
		Module:     m.Module,
		From:       m.From,
		To:         m.To,
		Strategy:   m.Strategy,
		State:      m.state,
		Progress:   m.progress,
		RolledBack: m.rolledBack,
		StartedAt:  m.startedAt,
		FinishedAt: m.finishedAt,
	}
	if m.err != nil {
		s.Err = m.err.Error()
	}
	return s
}

func (m *Context) setPhase(st State, progress int) {
	m.mu.Lock()
	m.state = st
	if progress > m.progress {
		m.progress = progress
	}
	m.mu.Unlock()
}

func (m *Context) fail(err error, rolledBack bool) {
	m.mu.Lock()
	m.state = StateFailed
	m.err = err
	m.rolledBack = rolledBack
	m.finishedAt = time.Now()
	m.mu.Unlock()
}

func (m *Context) complete() {
	m.mu.Lock()
	m.state = StateComplete
	m.progress = 100
	m.finishedAt = time.Now()
	m.mu.Unlock()
}
