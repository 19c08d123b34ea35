package broker

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Session is a single elevation request in progress: caller identity
// binding, Attachment, CommandBuilder, and (once started) child handle.
//
// All mutable fields are guarded by mu; operations are serialized per
// Session.
type Session struct {
	// CallerID is immutable for the life of the session: the bus unique
	// name that issued create. It is the sole capability token for every
	// subsequent operation.
	CallerID string

	mu   sync.Mutex
	att  *attachment
	cmd  *commandBuilder
	proc *spawnedChild // nil until spawn succeeds

	// finishedExitCode is set by the Reaper just before it detaches the
	// Attachment, so callers (and tests) can observe the last exit
	// status after the session has been reaped.
	finishedExitCode int
	finished         bool
}

// newSession constructs a Session bound to caller, with a fresh
// Attachment (PTY if interactive, Pipes otherwise) and a fresh
// CommandBuilder primed with argv.
func newSession(caller string, argv []string, interactive bool) (*Session, error) {
	var att *attachment
	var kind builderKind
	var err error
	if interactive {
		att, err = newPTYAttachment()
		if err != nil {
			return nil, err
		}
		kind = builderInteractive
	} else {
		att = newPipesAttachment()
		kind = builderBatch
	}
	return &Session{
		CallerID: caller,
		att:      att,
		cmd:      newCommandBuilder(kind, argv),
	}, nil
}

// checkCaller enforces that every operation other than create itself
// must come from the sender that created the session. Must be called
// with mu held.
func (s *Session) checkCaller(sender string) error {
	if sender != s.CallerID {
		return newErr(KindAccessDenied, "sender %q is not the owner of this session", sender)
	}
	return nil
}

// Environment sets environment variables for the eventual child,
// accepted only while the child is absent (Configuring state).
func (s *Session) Environment(sender string, vars map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCaller(sender); err != nil {
		return err
	}
	if s.proc != nil {
		return newErr(KindFileExists, "environment: child already started")
	}
	s.cmd.setEnv(vars)
	return nil
}

// Directory sets the eventual child's working directory.
func (s *Session) Directory(sender string, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCaller(sender); err != nil {
		return err
	}
	if s.proc != nil {
		return newErr(KindFileExists, "directory: child already started")
	}
	s.cmd.setDir(path)
	return nil
}

// Spawn freezes the command, launches the child under the configured
// Attachment, and returns the descriptors the client needs to drive the
// session. On any error path
// the Session remains in Configuring and may be retried — the child
// field is only ever set after a successful exec.Cmd.Start().
func (s *Session) Spawn(sender string) ([]dbusUnixFD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCaller(sender); err != nil {
		return nil, err
	}
	if s.proc != nil {
		return nil, newErr(KindFileExists, "spawn: child already started")
	}
	if len(s.cmd.argv) == 0 {
		return nil, newErr(KindInvalidArgs, "spawn: no program configured")
	}

	proc, err := s.cmd.spawn(s.att)
	if err != nil {
		// No partial state: s.proc is only assigned below, once Start()
		// has actually succeeded.
		return nil, err
	}
	s.proc = proc
	return s.att.clientFDs(), nil
}

// Signal delivers POSIX signal n to the child. Preconditions: child
// present.
func (s *Session) Signal(sender string, n int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCaller(sender); err != nil {
		return err
	}
	if s.proc == nil {
		return newErr(KindFileNotFound, "signal: no child running")
	}
	if n <= 0 || n >= 32 {
		return newErr(KindInvalidArgs, "signal: %d is not a valid signal number", n)
	}
	if err := unix.Kill(s.proc.pid, unix.Signal(n)); err != nil {
		return newErr(KindIO, "signal: kill(%d, %d): %v", s.proc.pid, n, err)
	}
	return nil
}

// Resize applies new terminal dimensions to the PTY master.
// Preconditions: child present (the same state Signal requires, since
// resize is only
// meaningful once the slave side has a controlling process attached to
// it) and a PTY attachment.
func (s *Session) Resize(sender string, rows, cols, pixW, pixH uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCaller(sender); err != nil {
		return err
	}
	if s.proc == nil {
		return newErr(KindFileNotFound, "resize: no child running")
	}
	return s.att.resize(rows, cols, pixW, pixH)
}

// pollExit is called by the Reaper once per sweep. It reports whether
// the child has exited; if so, it also releases the Attachment's
// descriptors and records the exit code.
func (s *Session) pollExit() (exited bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return false, nil
	}
	running, err := s.proc.running()
	if err != nil {
		return false, err
	}
	if running {
		return false, nil
	}
	s.finishedExitCode = s.proc.reaped.exitCode
	s.finished = true
	s.att.detach()
	return true, nil
}

// pid returns the child's OS process id, or 0 if absent. Exposed for
// tests and for future Info-style introspection.
func (s *Session) pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.pid
}
