// Package guard holds process shutdown while uploads are in flight.
package guard

import (
	"context"
	"os"
	"sync"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/uploads"
)

var log = logging.L("guard")

// Guard is armed exactly while at least one task is uploading. An armed
// guard asks for confirmation before the process exits.
type Guard struct {
	mu       sync.Mutex
	active   int
	released chan struct{}
	onChange []func(armed bool)
}

func New() *Guard {
	g := &Guard{released: make(chan struct{})}
	close(g.released)
	return g
}

// OnChange registers fn to be called after every arm/disarm transition.
func (g *Guard) OnChange(fn func(armed bool)) {
	g.mu.Lock()
	g.onChange = append(g.onChange, fn)
	g.mu.Unlock()
}

func (g *Guard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active > 0
}

// Update sets the in-flight count. Crossing zero arms or disarms the guard;
// disarming releases every ConfirmShutdown waiter.
func (g *Guard) Update(active int) {
	if active < 0 {
		active = 0
	}
	g.mu.Lock()
	was := g.active > 0
	g.active = active
	now := active > 0
	switch {
	case now && !was:
		g.released = make(chan struct{})
	case !now && was:
		close(g.released)
	}
	var hooks []func(bool)
	if now != was {
		hooks = append(hooks, g.onChange...)
	}
	g.mu.Unlock()

	if now != was {
		if now {
			log.Info("unload guard armed", "active", active)
		} else {
			log.Info("unload guard released")
		}
	}
	for _, fn := range hooks {
		fn(now)
	}
}

// Watch follows a queue snapshot stream until ctx ends or the stream closes.
func (g *Guard) Watch(ctx context.Context, snapshots <-chan []uploads.Task) {
	for {
		select {
		case <-ctx.Done():
			return
		case tasks, ok := <-snapshots:
			if !ok {
				return
			}
			g.Update(CountUploading(tasks))
		}
	}
}

// CountUploading is the number of tasks still transferring.
func CountUploading(tasks []uploads.Task) int {
	n := 0
	for _, t := range tasks {
		if t.Status == uploads.StatusUploading {
			n++
		}
	}
	return n
}

// ConfirmShutdown is called after the first shutdown signal. It returns at
// once when disarmed. Otherwise it waits for the guard to disarm, another
// signal, or ctx. forced reports that shutdown was confirmed while uploads
// were still running.
func (g *Guard) ConfirmShutdown(ctx context.Context, signals <-chan os.Signal) (forced bool) {
	g.mu.Lock()
	active := g.active
	released := g.released
	g.mu.Unlock()
	if active == 0 {
		return false
	}

	log.Warn("uploads still in progress, waiting for them to finish; signal again to quit now",
		"active", active)
	select {
	case <-released:
		log.Info("uploads finished, shutting down")
		return false
	case sig := <-signals:
		log.Warn("shutdown confirmed with uploads in flight", "signal", sig.String())
		return true
	case <-ctx.Done():
		return true
	}
}
