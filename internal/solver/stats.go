package solver

import "sync"

// Per-job search statistics, kept in memory for the debug and stats
// endpoints. Bounded: the oldest job's stats fall out past statsCap.

const statsCap = 1024

var (
	statsMu    sync.Mutex
	statsReg   = map[string][]Stats{}
	statsOrder []string
)

// RecordStats stores the per-instance stats of one finished solve.
func RecordStats(jobID string, s []Stats) {
	statsMu.Lock()
	defer statsMu.Unlock()
	if _, exists := statsReg[jobID]; !exists {
		statsOrder = append(statsOrder, jobID)
		if len(statsOrder) > statsCap {
			delete(statsReg, statsOrder[0])
			statsOrder = statsOrder[1:]
		}
	}
	statsReg[jobID] = s
}

// StatsFor returns the recorded stats of a job.
func StatsFor(jobID string) ([]Stats, bool) {
	statsMu.Lock()
	defer statsMu.Unlock()
	s, ok := statsReg[jobID]
	return s, ok
}
