package procbroker

import (
	"github.com/shirou/gopsutil/v3/process"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// Stats samples the resident memory and CPU usage of a session's process.
func (b *Broker) Stats(sessionID string) (types.SessionStats, error) {
	s, err := b.lookup(sessionID)
	if err != nil {
		return types.SessionStats{}, err
	}
	stats := types.SessionStats{SessionID: sessionID, PID: s.info.PID}

	proc, err := process.NewProcess(int32(s.info.PID))
	if err != nil {
		return stats, errs.Wrap(errs.CodeSessionNotFound, err, "process %d is gone", s.info.PID)
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats, nil
}
