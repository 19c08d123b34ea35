package broker

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// builderKind is the CommandBuilder's shape, established together with
// its matching Attachment at construction time: the two must agree, and
// that's enforced at the single constructor site rather than via
// runtime checks threaded through every operation.
type builderKind int

const (
	builderInteractive builderKind = iota
	builderBatch
)

// commandBuilder accumulates program path, argv, environment, and
// working directory until told to spawn. argv[0] is the program;
// argv[1:] are its arguments.
type commandBuilder struct {
	kind builderKind

	argv []string
	env  []string // "KEY=VALUE" pairs, insertion order preserved
	dir  string
}

// newCommandBuilder constructs a builder primed with argv, in the given
// shape. newSession is the single constructor that pairs it with the
// matching attachment.
func newCommandBuilder(kind builderKind, argv []string) *commandBuilder {
	cb := &commandBuilder{kind: kind}
	cb.argv = append([]string(nil), argv...)
	return cb
}

// setEnv replaces or extends previously provided variables in insertion
// order. No interpolation is performed.
func (cb *commandBuilder) setEnv(vars map[string]string) {
	// Preserve insertion order for keys already present; append new keys
	// in map-iteration order, which is acceptable since only the order
	// of *calls* needs to be preserved, not the internal order of a
	// single map argument.
	existing := make(map[string]int, len(cb.env))
	for i, kv := range cb.env {
		k, _, _ := splitEnv(kv)
		existing[k] = i
	}
	for k, v := range vars {
		kv := k + "=" + v
		if i, ok := existing[k]; ok {
			cb.env[i] = kv
			continue
		}
		existing[k] = len(cb.env)
		cb.env = append(cb.env, kv)
	}
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}

// setDir sets the working directory. Validation is deferred to spawn.
func (cb *commandBuilder) setDir(path string) {
	cb.dir = path
}

// spawnedChild is the result of a successful spawn: the running process
// plus enough to answer Session.signal and the Reaper's exit poll.
type spawnedChild struct {
	cmd    *exec.Cmd
	pid    int
	reaped *reapedState
}

// reaped records that the process has already been waited on, and its
// exit code, so a second poll (or Session.pid after exit) doesn't call
// wait4 on an already-reaped pid.
type reapedState struct {
	exitCode int
}

// running reports whether the child is still alive, without blocking.
// If the child has just exited, it also records its exit code.
func (c *spawnedChild) running() (bool, error) {
	if c.reaped != nil {
		return false, nil
	}
	var ws unix.WaitStatus
	pid, err := unix.Wait4(c.pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return false, err
	}
	if pid == 0 {
		return true, nil
	}
	code := ws.ExitStatus()
	if ws.Signaled() {
		code = 128 + int(ws.Signal())
	}
	c.reaped = &reapedState{exitCode: code}
	return false, nil
}

// spawn launches the child according to cb.kind, wiring it to att, and
// returns the running child. Preconditions (child absent; program set)
// are enforced by the caller (Session.Spawn); a kind/attachment mismatch
// is a programmer error that cannot arise from external calls, since
// both are always constructed together by Broker.create.
func (cb *commandBuilder) spawn(att *attachment) (*spawnedChild, error) {
	if len(cb.argv) == 0 {
		return nil, newErr(KindInvalidArgs, "spawn: empty argv")
	}

	cmd := exec.Command(cb.argv[0], cb.argv[1:]...)
	if cb.dir != "" {
		cmd.Dir = cb.dir
	}
	if len(cb.env) > 0 {
		cmd.Env = append(os.Environ(), cb.env...)
	}

	switch cb.kind {
	case builderInteractive:
		if att.kind != attachPTY {
			panic("broker: interactive CommandBuilder paired with a non-PTY attachment")
		}
		cmd.Stdin = att.slave
		cmd.Stdout = att.slave
		cmd.Stderr = att.slave
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setsid:  true,
			Setctty: true,
		}
	case builderBatch:
		if att.kind != attachPipes {
			panic("broker: batch CommandBuilder paired with a non-pipes attachment")
		}
		if err := att.openPipes(); err != nil {
			return nil, err
		}
		cmd.Stdin = att.stdinR
		cmd.Stdout = att.stdoutW
		cmd.Stderr = att.stderrW
	}

	if err := cmd.Start(); err != nil {
		if cb.kind == builderBatch {
			// Release this attempt's pipes so a retried spawn opens fresh ones.
			for _, f := range []*os.File{att.stdinR, att.stdinW, att.stdoutR, att.stdoutW, att.stderrR, att.stderrW} {
				f.Close()
			}
			att.stdinR, att.stdinW, att.stdoutR, att.stdoutW, att.stderrR, att.stderrW = nil, nil, nil, nil, nil, nil
		}
		return nil, newErr(KindSpawnFailed, "start %q: %v", cb.argv[0], err)
	}
	att.closeChildEnds()

	return &spawnedChild{cmd: cmd, pid: cmd.Process.Pid}, nil
}
