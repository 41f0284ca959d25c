package agent

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/caesium-cloud/fleetline/pkg/log"
)

// RestartFlag is a sentinel file marking the agent for restart once the
// current job finishes.
type RestartFlag struct {
	path string
}

// NewRestartFlag returns a flag stored at path.
func NewRestartFlag(path string) *RestartFlag {
	return &RestartFlag{path: path}
}

// Mark sets the flag.
func (f *RestartFlag) Mark() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

// Marked reports whether the flag is set.
func (f *RestartFlag) Marked() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Clear removes the flag.
func (f *RestartFlag) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WatchRestart marks flag whenever the process receives SIGUSR1, until ctx
// is done.
func WatchRestart(ctx context.Context, flag *RestartFlag) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			log.Info("Marked agent for restart")
			if err := flag.Mark(); err != nil {
				log.Error("failed to write restart flag", "path", flag.path, "error", err)
			}
		}
	}
}
