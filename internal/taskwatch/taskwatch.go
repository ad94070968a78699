// Package taskwatch watches a project's tasks directory with fsnotify and
// exposes a generation counter a long-polling RPC caller can block on, so
// pty.notify_tasks_changed (spec.md §4.J) can wake a CLI watch view the
// instant a task file changes instead of polling (SUPPLEMENTED FEATURES,
// grounded on the original daemon_protocol.rs SubscribeEvents concept).
package taskwatch

import (
	"context"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher bumps a generation counter on every create/write/remove/rename
// event under dir and lets callers block until it advances past a baseline
// they last observed.
type Watcher struct {
	dir string

	mu   sync.Mutex
	gen  uint64
	cond *sync.Cond

	fsw *fsnotify.Watcher
}

// New starts watching dir. A missing dir is not an error, but Add is not
// retried later, so no events fire for it; callers create the directory
// (OpenProject does via MkdirAll) before relying on notifications.
func New(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{dir: dir, fsw: fsw}
	w.cond = sync.NewCond(&w.mu)

	if err := fsw.Add(dir); err != nil {
		// Not fatal: the directory may not exist until the first task is
		// written. The resume sweep / first task.new will create it; events
		// simply won't fire until a later watcher is (re)established.
		log.Printf("taskwatch: watch %s: %v", dir, err)
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.bump()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("taskwatch: %v", err)
		}
	}
}

func (w *Watcher) bump() {
	w.mu.Lock()
	w.gen++
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Generation returns the current generation counter.
func (w *Watcher) Generation() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen
}

// Wait blocks until the generation counter advances past since, or ctx is
// done, and returns the generation observed.
func (w *Watcher) Wait(ctx context.Context, since uint64) uint64 {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		w.mu.Lock()
		w.cond.Broadcast() // wake the waiter below so it can notice ctx.Done
		w.mu.Unlock()
		close(done)
	}()
	defer func() {
		cancel() // release the helper goroutine once the generation advanced
		<-done
	}()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.gen <= since {
		select {
		case <-ctx.Done():
			return w.gen
		default:
		}
		w.cond.Wait()
	}
	return w.gen
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
