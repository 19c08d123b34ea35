package broker

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Kind is a broker error category. Each has a fixed D-Bus error name it
// is translated to when returned from an exported method.
type Kind int

const (
	// KindAccessDenied covers a missing/mismatched sender identity or a
	// policy-authority "no".
	KindAccessDenied Kind = iota
	// KindAuthFailed covers policy-authority subject-construction failure.
	KindAuthFailed
	// KindInconsistentMessage covers bad-sender/missing-sender replies
	// from the policy authority.
	KindInconsistentMessage
	// KindInvalidArgs covers empty argv, unsupported user, bad signal
	// numbers, and resize on a non-PTY attachment.
	KindInvalidArgs
	// KindFileExists covers mutating configuration after spawn.
	KindFileExists
	// KindFileNotFound covers operations that require a running child
	// that does not exist.
	KindFileNotFound
	// KindSpawnFailed covers PTY allocation, fork/exec, and
	// working-directory errors.
	KindSpawnFailed
	// KindIO covers kernel-call failures: signal delivery, policy
	// transport errors.
	KindIO
)

// dbusNames maps each Kind to the standard org.freedesktop.DBus.Error.*
// name eled returns.
var dbusNames = map[Kind]string{
	KindAccessDenied:        "org.freedesktop.DBus.Error.AccessDenied",
	KindAuthFailed:          "org.freedesktop.DBus.Error.AuthFailed",
	KindInconsistentMessage: "org.freedesktop.DBus.Error.InconsistentMessage",
	KindInvalidArgs:         "org.freedesktop.DBus.Error.InvalidArgs",
	KindFileExists:          "org.freedesktop.DBus.Error.FileExists",
	KindFileNotFound:        "org.freedesktop.DBus.Error.FileNotFound",
	KindSpawnFailed:         "org.freedesktop.DBus.Error.Spawn.Failed",
	KindIO:                  "org.freedesktop.DBus.Error.IOError",
}

// Error is the broker's internal error type. It carries enough to be
// translated into a dbus.Error at the export boundary and is also a
// plain Go error for use in tests and internal plumbing.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// newErr constructs an *Error, formatting Message like fmt.Errorf.
func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// DBusError converts a broker *Error into a dbus.Error suitable for
// returning from an exported method. Non-broker errors are folded into
// the generic org.freedesktop.DBus.Error.Failed name so callers never
// leak a raw Go error string without at least a stable error name.
func DBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		name, ok := dbusNames[be.Kind]
		if !ok {
			name = "org.freedesktop.DBus.Error.Failed"
		}
		return dbus.NewError(name, []any{be.Message})
	}
	return dbus.NewError("org.freedesktop.DBus.Error.Failed", []any{err.Error()})
}
