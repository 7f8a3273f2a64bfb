package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/stepflow/executor"
	"github.com/c360studio/stepflow/plan"
)

// watch monitors a directory for plan files and executes each one as it
// appears or changes. Writes are debounced so a plan is only submitted
// once its file has settled.
func (a *app) watch(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create plans directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	a.logger.Info("Watching for plan files",
		"dir", dir,
		"debounce", a.cfg.Runner.DebounceDelay)

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		wg      sync.WaitGroup
	)

	submit := func(path string) {
		mu.Lock()
		delete(pending, path)
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWatched(ctx, path)
		}()
	}

	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Watcher stopping")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isPlanFile(event.Name) {
				continue
			}

			// Reset the debounce timer for this path
			path := event.Name
			mu.Lock()
			if t, exists := pending[path]; exists {
				t.Stop()
			}
			pending[path] = time.AfterFunc(a.cfg.Runner.DebounceDelay, func() {
				submit(path)
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("Watcher error", "error", err)
		}
	}
}

// runWatched executes one watched plan file. Failures are logged rather
// than stopping the watcher.
func (a *app) runWatched(ctx context.Context, path string) {
	p, err := plan.NewFilePlanner(path).CreatePlan(ctx)
	if err != nil {
		a.logger.Error("Failed to load plan file", "path", path, "error", err)
		return
	}

	a.logger.Info("Executing plan", "plan_id", p.ID, "path", path)

	out, err := a.exec.Execute(ctx, p)
	if errors.Is(err, executor.ErrConcurrentExecution) {
		out, err = a.exec.Resume(ctx, p)
	}
	if err != nil {
		a.logger.Error("Plan execution failed", "plan_id", p.ID, "error", err)
		return
	}

	a.logger.Info("Plan finished",
		"plan_id", p.ID,
		"status", out.Status,
		"steps", len(out.Results),
		"failed_step", out.FailedStep)
}

func isPlanFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}
