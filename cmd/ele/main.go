// ele is the unprivileged client for eled. It issues the create /
// environment / directory / spawn D-Bus calls, receives the resulting
// descriptor(s), and pumps bytes between them and its own terminal.
//
// Usage:
//
//	ele [-d dir] [-e KEY=VALUE ...] [-b] [--] program [args...]
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"
	"golang.org/x/term"

	"github.com/YtvwlD/ele/internal/proto"
)

type envFlags map[string]string

func (e envFlags) String() string { return "" }
func (e envFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	e[k] = val
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	env := envFlags{}
	var dir string
	var batch bool
	args := os.Args[1:]

	// Minimal hand-rolled flag scan so that "--" followed by the target
	// program's own flags is never swallowed by the stdlib flag package.
	i := 0
	for i < len(args) {
		switch {
		case args[i] == "--":
			i++
			goto argvFound
		case args[i] == "-d" && i+1 < len(args):
			dir = args[i+1]
			i += 2
		case args[i] == "-e" && i+1 < len(args):
			if err := env.Set(args[i+1]); err != nil {
				fmt.Fprintf(os.Stderr, "ele: %v\n", err)
				return 1
			}
			i += 2
		case args[i] == "-b" || args[i] == "-batch":
			batch = true
			i++
		default:
			goto argvFound
		}
	}
argvFound:
	argv := args[i:]
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ele [-d dir] [-e KEY=VALUE ...] [-b] [--] program [args...]")
		return 1
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ele: connect to system bus: %v\n", err)
		return 1
	}
	defer conn.Close()

	root := conn.Object(proto.ServiceName, dbus.ObjectPath(proto.RootPath))
	var path string
	if call := root.Call(proto.RootInterface+".Create", 0, proto.TargetUser, argv, !batch); call.Err != nil {
		fmt.Fprintf(os.Stderr, "ele: create: %v\n", call.Err)
		return 1
	} else if err := call.Store(&path); err != nil {
		fmt.Fprintf(os.Stderr, "ele: create: %v\n", err)
		return 1
	}

	session := conn.Object(proto.ServiceName, dbus.ObjectPath(path))

	if dir != "" {
		if call := session.Call(proto.SessionInterface+".Directory", 0, dir); call.Err != nil {
			fmt.Fprintf(os.Stderr, "ele: directory: %v\n", call.Err)
			return 1
		}
	}
	if len(env) > 0 {
		if call := session.Call(proto.SessionInterface+".Environment", 0, map[string]string(env)); call.Err != nil {
			fmt.Fprintf(os.Stderr, "ele: environment: %v\n", call.Err)
			return 1
		}
	}

	var fds []dbus.UnixFD
	if call := session.Call(proto.SessionInterface+".Spawn", 0); call.Err != nil {
		fmt.Fprintf(os.Stderr, "ele: spawn: %v\n", call.Err)
		return 1
	} else if err := call.Store(&fds); err != nil {
		fmt.Fprintf(os.Stderr, "ele: spawn: %v\n", err)
		return 1
	}

	if !batch {
		return runInteractive(os.NewFile(uintptr(fds[0]), "pty"), session)
	}
	return runBatch(
		os.NewFile(uintptr(fds[0]), "stdin"),
		os.NewFile(uintptr(fds[1]), "stderr"),
		os.NewFile(uintptr(fds[2]), "stdout"),
	)
}

// runInteractive drives a PTY session: raw-mode local terminal, SIGWINCH
// forwarded as a resize call, and the byte pump itself.
func runInteractive(pty *os.File, session dbus.BusObject) int {
	defer pty.Close()

	fd := int(os.Stdin.Fd())
	isInteractive := term.IsTerminal(fd) && term.IsTerminal(int(os.Stdout.Fd()))

	var restore func()
	if isInteractive {
		old, err := term.MakeRaw(fd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ele: cannot set raw mode: %v\n", err)
			return 1
		}
		restore = func() { term.Restore(fd, old) }
		defer restore()

		sendResize(session, fd)
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		go func() {
			for range winch {
				sendResize(session, fd)
			}
		}()
		defer signal.Stop(winch)
	}

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(os.Stdout, pty)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(pty, os.Stdin)
		done <- struct{}{}
	}()
	<-done

	// The wire contract has no detach operation, so EOF on the
	// descriptor is always "the session ended," never "the user
	// detached." ele has no way to learn the child's exit status once
	// the Reaper has already released the descriptors out from under
	// it, so it reports plainly and always exits 0.
	fmt.Fprintln(os.Stderr, "[ele] session ended")
	return 0
}

func sendResize(session dbus.BusObject, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	session.Call(proto.SessionInterface+".Resize", 0,
		uint16(rows), uint16(cols), uint16(0), uint16(0))
}

// runBatch drives a pipes session: write argv's stdin from our own
// stdin, copy the child's stdout/stderr to ours, and exit once both
// read ends reach EOF.
func runBatch(stdin, stderr, stdout *os.File) int {
	defer stdin.Close()
	defer stderr.Close()
	defer stdout.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(os.Stdout, stdout); done <- struct{}{} }()
	go func() { io.Copy(os.Stderr, stderr); done <- struct{}{} }()
	go io.Copy(stdin, os.Stdin)

	<-done
	<-done
	return 0
}
