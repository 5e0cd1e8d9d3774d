package iface

import (
	"context"
	"net"
	"sort"
	"time"
)

// AddressChange describes one address appearing or disappearing from a
// polled snapshot of the OS's interface addresses.
type AddressChange struct {
	Addr  net.Addr
	Added bool
}

// Watcher polls net.InterfaceAddrs on an interval and reports the
// difference from the previous snapshot. Polling keeps the watcher
// portable; a netlink/route-socket subscription would be
// platform-specific for little gain at this cadence.
type Watcher struct {
	interval time.Duration
	last     map[string]net.Addr
}

// NewWatcher creates a Watcher with the given poll interval.
func NewWatcher(interval time.Duration) *Watcher {
	return &Watcher{interval: interval, last: make(map[string]net.Addr)}
}

// Run polls until ctx is done, sending a batch of AddressChanges to out
// whenever the address set differs from the previous poll. out should
// be buffered or drained promptly; Run never blocks on out and drops a
// batch that out is not ready to receive.
func (w *Watcher) Run(ctx context.Context, out chan<- []AddressChange) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changes := w.poll()
			if len(changes) == 0 {
				continue
			}
			select {
			case out <- changes:
			default:
			}
		}
	}
}

func (w *Watcher) poll() []AddressChange {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	current := make(map[string]net.Addr, len(addrs))
	for _, a := range addrs {
		current[a.String()] = a
	}

	var changes []AddressChange
	for key, a := range current {
		if _, ok := w.last[key]; !ok {
			changes = append(changes, AddressChange{Addr: a, Added: true})
		}
	}
	for key, a := range w.last {
		if _, ok := current[key]; !ok {
			changes = append(changes, AddressChange{Addr: a, Added: false})
		}
	}
	w.last = current

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Addr.String() < changes[j].Addr.String()
	})
	return changes
}
