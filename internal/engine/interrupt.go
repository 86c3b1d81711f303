package engine

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// NewInterruptContext wires SIGINT/SIGTERM into a graceful-then-forced
// cancellation pair (§5): graceful cancels as soon as a signal arrives;
// forced cancels once grace elapses (or a second signal arrives). The
// engine runs under graceful only, and an in-flight subprocess is killed
// (SIGKILL, through its command context) as soon as graceful is
// cancelled; forced only tells the caller that the grace period ran out.
// stop releases the signal handler and must be deferred by the caller.
//
// Grounded on the donor's cmd/quorum/cmd/run.go runWorkflow signal
// handling (a single context.WithCancel canceled on first SIGINT/SIGTERM),
// generalized with the grace-then-force escalation §5 requires.
func NewInterruptContext(parent context.Context, grace time.Duration) (graceful, forced context.Context, stop func()) {
	gCtx, gCancel := context.WithCancel(parent)
	fCtx, fCancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		gCancel()

		select {
		case <-sigCh:
		case <-time.After(grace):
		case <-done:
		}
		fCancel()
	}()

	stop = func() {
		select {
		case <-done:
		default:
			close(done)
		}
		signal.Stop(sigCh)
		gCancel()
		fCancel()
	}
	return gCtx, fCtx, stop
}

// WatchCheckpointWrite watches checkpointDir for a create/write event on
// sessionID's checkpoint file, signaling once on the returned channel the
// first time it fires. It lets a `prodigy resume` invocation started in
// another process learn that a live session just wrote its final
// checkpoint without polling the filesystem (§9's fsnotify companion).
func WatchCheckpointWrite(checkpointDir, sessionID string) (<-chan struct{}, func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(checkpointDir); err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}

	target := filepath.Join(checkpointDir, sessionID+".json")
	fired := make(chan struct{}, 1)
	go func() {
		defer close(fired)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					fired <- struct{}{}
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return fired, watcher.Close, nil
}
