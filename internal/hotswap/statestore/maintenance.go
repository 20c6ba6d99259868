package statestore

import (
	"sort"
	"time"
)

// MaintenanceReport summarizes one budgeted maintenance pass.
type MaintenanceReport struct {
	Validations  []Validation
	Compression  CompressionStats
	Deferred     int // modules skipped because the budget ran out
	BudgetSpent  time.Duration
	BudgetWasMet bool
}

// ScheduleValidation advances the frame counter and marks modules due for
// validation every ValidateEvery frames. Call once per simulation frame; the
// actual validation happens on the maintenance context, not the tick path.
func (s *Store) ScheduleValidation(frame uint32) {
	s.frame.Store(frame)
	if frame == 0 || int(frame)%s.opts.ValidateEvery != 0 {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.modules {
		m.mu.Lock()
		m.validateDue = true
		m.mu.Unlock()
	}
}

// Maintenance runs due validations and compression under a wall-clock
// budget. Work that does not fit is deferred to the next pass rather than
// queued; repeated overruns therefore coalesce instead of building a
// backlog.
func (s *Store) Maintenance(budget time.Duration) MaintenanceReport {
	start := time.Now()
	deadline := start.Add(budget)
	var report MaintenanceReport
	report.BudgetWasMet = true

	s.mu.RLock()
	names := make([]string, 0, len(s.modules))
	for name := range s.modules {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	for i, name := range names {
		if time.Now().After(deadline) {
			report.Deferred = len(names) - i
			report.BudgetWasMet = false
			break
		}
		m, err := s.lookup(name)
		if err != nil {
			continue
		}
		m.mu.Lock()
		due := m.validateDue
		m.mu.Unlock()
		if due {
			if v, err := s.ValidateModule(name); err == nil {
				report.Validations = append(report.Validations, v)
			}
		}
		if time.Now().After(deadline) {
			report.Deferred = len(names) - i - 1
			report.BudgetWasMet = false
			break
		}
		if cs, err := s.CompressModule(name); err == nil {
			report.Compression.ChunksCompressed += cs.ChunksCompressed
			report.Compression.UncompressedBytes += cs.UncompressedBytes
			report.Compression.CompressedBytes += cs.CompressedBytes
		}
	}
	report.BudgetSpent = time.Since(start)
	report.Compression.Duration = report.BudgetSpent
	return report
}
