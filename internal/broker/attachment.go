package broker

import (
	"os"

	"github.com/creack/pty"
)

// attachKind distinguishes the two live shapes of an Attachment plus the
// terminal Detached state.
type attachKind int

const (
	attachPTY attachKind = iota
	attachPipes
	attachDetached
)

// attachment owns the I/O endpoints of a session: either a PTY
// master/slave pair, a trio of pipes, or nothing once detached.
//
// It is not safe for concurrent use; callers hold Session.mu while
// touching it.
type attachment struct {
	kind attachKind

	// PTY fields.
	master *os.File
	slave  *os.File

	// Pipe fields: broker-held ends, handed to the child's Stdin/Stdout/Stderr.
	stdinW  *os.File // write end the client uses; child reads stdinR
	stdinR  *os.File
	stdoutR *os.File // read end the client uses; child writes stdoutW
	stdoutW *os.File
	stderrR *os.File
	stderrW *os.File
}

// newPTYAttachment allocates a master/slave pair and retains both: the
// slave is handed to the CommandBuilder at spawn time, the master is
// returned to the client and read by nobody else.
func newPTYAttachment() (*attachment, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, newErr(KindSpawnFailed, "open pty: %v", err)
	}
	return &attachment{kind: attachPTY, master: master, slave: slave}, nil
}

// newPipesAttachment defers endpoint creation until spawn.
func newPipesAttachment() *attachment {
	return &attachment{kind: attachPipes}
}

// openPipes creates the three OS pipes used by the Batch CommandBuilder
// shape. Must only be called on a Pipes attachment, once per spawn
// attempt; a failed attempt closes its pipes before returning.
func (a *attachment) openPipes() error {
	var err error
	if a.stdinR, a.stdinW, err = os.Pipe(); err != nil {
		return newErr(KindSpawnFailed, "stdin pipe: %v", err)
	}
	if a.stdoutR, a.stdoutW, err = os.Pipe(); err != nil {
		return newErr(KindSpawnFailed, "stdout pipe: %v", err)
	}
	if a.stderrR, a.stderrW, err = os.Pipe(); err != nil {
		return newErr(KindSpawnFailed, "stderr pipe: %v", err)
	}
	return nil
}

// clientFDs returns the descriptors to hand back to the client from
// Spawn: one for PTY (the master), three in stdin/stderr/stdout order
// for Pipes.
func (a *attachment) clientFDs() []dbusUnixFD {
	switch a.kind {
	case attachPTY:
		return []dbusUnixFD{dbusUnixFD(a.master.Fd())}
	case attachPipes:
		return []dbusUnixFD{
			dbusUnixFD(a.stdinW.Fd()),
			dbusUnixFD(a.stderrR.Fd()),
			dbusUnixFD(a.stdoutR.Fd()),
		}
	default:
		return nil
	}
}

// closeChildEnds closes the broker's copies of the descriptors that were
// handed to the child (the PTY slave, or the child-facing pipe ends).
// Must be called once spawn() has started the child; holding these open
// in the broker past that point serves no purpose and, for the pipe
// case, would prevent the child from ever seeing EOF on its stdin.
func (a *attachment) closeChildEnds() {
	switch a.kind {
	case attachPTY:
		a.slave.Close()
		a.slave = nil
	case attachPipes:
		a.stdinR.Close()
		a.stdoutW.Close()
		a.stderrW.Close()
		a.stdinR, a.stdoutW, a.stderrW = nil, nil, nil
	}
}

// detach releases the broker's remaining descriptors and transitions the
// Attachment into its terminal Detached state. This is an explicit
// action, not something left to garbage collection: dropping a wrapper
// does not reliably close its descriptor on every host.
func (a *attachment) detach() {
	switch a.kind {
	case attachPTY:
		if a.master != nil {
			a.master.Close()
			a.master = nil
		}
		if a.slave != nil {
			a.slave.Close()
			a.slave = nil
		}
	case attachPipes:
		for _, f := range []*os.File{a.stdinR, a.stdinW, a.stdoutR, a.stdoutW, a.stderrR, a.stderrW} {
			if f != nil {
				f.Close()
			}
		}
		a.stdinR, a.stdinW, a.stdoutR, a.stdoutW, a.stderrR, a.stderrW = nil, nil, nil, nil, nil, nil
	}
	a.kind = attachDetached
}

// resize applies new terminal dimensions to the PTY master. Only valid
// for a PTY attachment; not applicable to Pipes.
func (a *attachment) resize(rows, cols, pixW, pixH uint16) error {
	if a.kind != attachPTY {
		return newErr(KindInvalidArgs, "resize: not applicable to a pipes attachment")
	}
	return pty.Setsize(a.master, &pty.Winsize{
		Rows: rows, Cols: cols, X: pixW, Y: pixH,
	})
}

// dbusUnixFD is a type alias kept local to this package so the rest of
// the broker does not need to import godbus/dbus just to talk about file
// descriptors; broker.go converts it to dbus.UnixFD at the export
// boundary.
type dbusUnixFD uintptr
