package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"loki/internal/logging"
)

// Control file names under <project>/.loki/. Their presence is the signal;
// contents are ignored.
const (
	controlStop  = "STOP"
	controlPause = "PAUSE"
)

// Controller watches the control directory for STOP and PAUSE files. A
// filesystem watcher keeps flags fresh; Poll re-checks on demand so a
// missed event never wedges the loop.
type Controller struct {
	dir     string
	watcher *fsnotify.Watcher
	stop    atomic.Bool
	pause   atomic.Bool
	done    chan struct{}
	log     *logging.Logger
}

// NewController starts watching dir for control files.
func NewController(dir string) (*Controller, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create control directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create control watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to watch control directory: %w", err)
	}

	c := &Controller{
		dir:     dir,
		watcher: watcher,
		done:    make(chan struct{}),
		log:     logging.Get(logging.CategoryOrchestrator),
	}
	c.Poll()
	go c.run()
	return c, nil
}

// ShouldStop reports whether a STOP file is present.
func (c *Controller) ShouldStop() bool { return c.stop.Load() }

// ShouldPause reports whether a PAUSE file is present.
func (c *Controller) ShouldPause() bool { return c.pause.Load() }

// Poll re-reads both control files directly from disk.
func (c *Controller) Poll() {
	c.stop.Store(exists(filepath.Join(c.dir, controlStop)))
	c.pause.Store(exists(filepath.Join(c.dir, controlPause)))
}

// RequestStop drops a STOP file, e.g. from a signal handler.
func (c *Controller) RequestStop() error {
	if err := os.WriteFile(filepath.Join(c.dir, controlStop), nil, 0644); err != nil {
		return fmt.Errorf("failed to write stop file: %w", err)
	}
	c.stop.Store(true)
	return nil
}

// ClearPause removes the PAUSE file.
func (c *Controller) ClearPause() error {
	err := os.Remove(filepath.Join(c.dir, controlPause))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	c.pause.Store(false)
	return nil
}

// Close stops the watcher.
func (c *Controller) Close() error {
	err := c.watcher.Close()
	<-c.done
	return err
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if name == controlStop || name == controlPause {
				c.Poll()
				c.log.Info("control change: %s %s", ev.Op, name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("control watcher error: %v", err)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ============================================================================
// PID FILE
// ============================================================================

// WritePIDFile records the current process id so external tooling can
// signal the session.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// RemovePIDFile deletes the pid file; a missing file is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
