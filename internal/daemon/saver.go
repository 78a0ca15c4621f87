package daemon

import (
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/locknest/xlockd/internal/infra"
)

// EnvSaverProgram selects the external screensaver module. The module
// inherits XSCREENSAVER_WINDOW and XSCREENSAVER_SAVER_INDEX and draws
// on the exported window.
const EnvSaverProgram = "XLOCKD_SAVER"

// RunSaver is the saver helper role. When a saver module is configured
// the helper replaces itself with it, so the module stays inside the
// supervised process group. Without one, the helper idles (the locker
// keeps the window blanked) until the group is terminated.
func RunSaver(logger *zap.Logger) int {
	program := os.Getenv(EnvSaverProgram)

	logger.Info("saver helper started",
		zap.String("window", os.Getenv(infra.EnvWindow)),
		zap.String("index", os.Getenv(infra.EnvSaverIndex)),
		zap.String("program", program))

	if program != "" {
		if err := unix.Exec(program, []string{program}, os.Environ()); err != nil {
			logger.Error("failed to exec saver module",
				zap.String("program", program),
				zap.Error(err))
			return 1
		}
	}

	WaitForTermination(logger)
	return 0
}
