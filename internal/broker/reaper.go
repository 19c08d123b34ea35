package broker

import (
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/YtvwlD/ele/internal/proto"
)

// reap is the Reaper's loop body. It polls every pollInterval (default
// 2s) until Close is called.
//
// Children exit asynchronously on arbitrary OS events; polling avoids
// OS-specific child-watch integration and is acceptable for this
// interactive, human-scale use case. The poll interval is the upper
// bound on time between child exit and resource release.
func (b *Broker) reap() {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopReaper:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep performs one full pass over live session ids. It is a plain
// package-internal method rather than something reached only through
// reap, so tests can drive exactly one sweep deterministically instead
// of waiting on the ticker.
func (b *Broker) sweep() {
	for _, id := range b.registry.snapshot() {
		b.sweepOne(id)
	}
}

func (b *Broker) sweepOne(id uint64) {
	b.mu.Lock()
	session, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		// Published session is already gone; drop the stale id.
		b.registry.remove(id)
		return
	}

	exited, err := session.pollExit()
	if err != nil {
		// Reaper logs and continues on individual session errors; it
		// never aborts the sweep.
		b.log.Warn("reap: poll exit failed", "id", id, "error", err)
		return
	}
	if !exited {
		return
	}

	path := dbus.ObjectPath(proto.SessionPath(id))
	if err := b.conn.Export(nil, path, proto.SessionInterface); err != nil {
		b.log.Warn("reap: unexport failed", "id", id, "error", err)
	}

	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
	b.registry.remove(id)

	b.log.Info("session reaped", "path", string(path), "exit_code", session.finishedExitCode)
}
