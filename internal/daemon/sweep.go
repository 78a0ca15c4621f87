package daemon

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/locknest/xlockd/internal/domain"
)

// helperProcessName is what helper processes show up as in the process
// table (they are re-executions of the locker binary).
const helperProcessName = "xlockd"

// SweepStaleHelpers finds helper processes left over from a crashed
// previous locker instance. They are logged always and terminated only
// when kill is set; a stale helper could otherwise be mistaken for a
// member of a fresh process group.
func SweepStaleHelpers(pm domain.ProcessManager, kill bool, logger *zap.Logger) int {
	pids, err := pm.FindByName(helperProcessName)
	if err != nil {
		logger.Warn("stale helper sweep failed", zap.Error(err))
		return 0
	}

	self := pm.GetCurrentPID()
	count := 0
	for _, pid := range pids {
		if pid == self {
			continue
		}
		count++
		if kill {
			if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
				logger.Warn("failed to terminate stale helper",
					zap.Int("pid", pid),
					zap.Error(err))
				continue
			}
			logger.Info("terminated stale helper", zap.Int("pid", pid))
		} else {
			logger.Info("found stale helper process", zap.Int("pid", pid))
		}
	}
	return count
}
