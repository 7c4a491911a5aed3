package unvme

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-unvme/unvme/internal/bringup"
	"github.com/go-unvme/unvme/internal/dma"
	"github.com/go-unvme/unvme/internal/fragment"
	"github.com/go-unvme/unvme/internal/queue"
)

// controller is one attached NVMe function, shared by every namespace
// handle open against the same bdf. Refcounted so a second Open of an
// already-attached device is a cheap handle increment, not a second
// bring-up.
type controller struct {
	bdf string
	c   *bringup.Controller
	ios []*fragment.Queue // indexed the same as c.IO

	mu       sync.Mutex
	refcount int
}

// registry is the process-wide bdf -> controller table. One mutex guards
// only lookup/insert and the first attach; once a controller exists,
// further work against it proceeds without holding this lock.
type registry struct {
	mu          sync.Mutex
	controllers map[string]*controller
}

var globalRegistry = &registry{controllers: make(map[string]*controller)}

// acquire looks up bdf's controller, attaching it on first use. openFn
// builds the dma.Container for a first attach, letting tests substitute a
// fake container without this registry knowing about it.
func (r *registry) acquire(bdf string, params bringup.Params, openFn func(bdf string) (dma.Container, error)) (*controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ctl, ok := r.controllers[bdf]; ok {
		ctl.mu.Lock()
		ctl.refcount++
		ctl.mu.Unlock()
		return ctl, nil
	}

	container, err := openFn(bdf)
	if err != nil {
		return nil, WrapError("open", err)
	}

	bc, err := bringup.Attach(container, params)
	if err != nil {
		container.Close()
		return nil, WrapError("open", err)
	}

	ctl := &controller{bdf: bdf, c: bc, refcount: 1}
	ctl.ios = make([]*fragment.Queue, len(bc.IO))
	for i, pair := range bc.IO {
		pool := queue.NewPool(pair, bc.Arena, bc.Negotiated.MaxIOPQ)
		ctl.ios[i] = fragment.NewQueue(pair, pool)
	}

	r.controllers[bdf] = ctl
	return ctl, nil
}

// release decrements bdf's refcount, tearing the controller down and
// removing it from the registry on the last release.
func (r *registry) release(bdf string, closeTimeout time.Duration) error {
	r.mu.Lock()
	ctl, ok := r.controllers[bdf]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	ctl.mu.Lock()
	ctl.refcount--
	done := ctl.refcount <= 0
	ctl.mu.Unlock()

	if !done {
		r.mu.Unlock()
		return nil
	}

	delete(r.controllers, bdf)
	r.mu.Unlock()

	if err := ctl.c.Close(closeTimeout); err != nil {
		return WrapError("close", err)
	}
	return nil
}

// openVFIOContainer is the default openFn: a real VFIO-bound device.
func openVFIOContainer(bdf string) (dma.Container, error) {
	c, err := dma.OpenVFIO(bdf)
	if err != nil {
		return nil, fmt.Errorf("unvme: open %s: %w", bdf, err)
	}
	return c, nil
}
