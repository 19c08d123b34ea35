// Package broker implements the session lifecycle engine of the ele
// privilege-elevation service: session creation, Session, its
// Attachment and CommandBuilder collaborators, the Registry, and the
// Reaper, plus the D-Bus export glue that publishes it all with
// github.com/godbus/dbus/v5.
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"

	"github.com/YtvwlD/ele/internal/proto"
)

// busConn is the subset of *dbus.Conn the Broker needs. Narrowing it to
// an interface lets the core lifecycle logic (create, sweep) be tested
// with a fake that never touches a real bus.
type busConn interface {
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Export(v any, path dbus.ObjectPath, iface string) error
}

// Broker owns the root dispatch object and every live Session's
// published object.
type Broker struct {
	conn      busConn
	authority Authority
	log       hclog.Logger

	registry *registry

	mu       sync.Mutex
	sessions map[uint64]*Session

	pollInterval time.Duration
	stopReaper   chan struct{}
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithPollInterval overrides the Reaper's sweep period (default 2s).
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) { b.pollInterval = d }
}

// WithLogger overrides the default hclog logger.
func WithLogger(l hclog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// New constructs a Broker bound to conn and authority but does not yet
// request the well-known name or start the Reaper; call Run for that.
func New(conn *dbus.Conn, authority Authority, opts ...Option) *Broker {
	return newBroker(conn, authority, opts...)
}

// newBroker is the shared constructor behind New (production, real
// *dbus.Conn) and the package's own tests (a fake busConn).
func newBroker(conn busConn, authority Authority, opts ...Option) *Broker {
	b := &Broker{
		conn:         conn,
		authority:    authority,
		log:          hclog.Default(),
		registry:     newRegistry(),
		sessions:     make(map[uint64]*Session),
		pollInterval: 2 * time.Second,
		stopReaper:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run requests the well-known service name, exports the root object,
// and starts the Reaper. It does not block; callers typically follow it
// with a select{} or similar on the process's own shutdown signal.
func (b *Broker) Run() error {
	reply, err := b.conn.RequestName(proto.ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", proto.ServiceName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already owned on this bus", proto.ServiceName)
	}

	if err := b.conn.Export(rootObject{b}, dbus.ObjectPath(proto.RootPath), proto.RootInterface); err != nil {
		return fmt.Errorf("export root object: %w", err)
	}

	go b.reap()

	b.log.Info("eled ready", "service", proto.ServiceName, "path", proto.RootPath)
	return nil
}

// Close stops the Reaper. It does not release the bus name; callers
// that own conn are expected to close it themselves.
func (b *Broker) Close() {
	select {
	case <-b.stopReaper:
	default:
		close(b.stopReaper)
	}
}

// create validates and authorizes a new elevation request, then
// allocates and publishes its Session. It is called by rootObject.Create,
// the exported D-Bus method.
func (b *Broker) create(sender, user string, argv []string, interactive bool) (string, error) {
	if sender == "" {
		return "", newErr(KindAccessDenied, "create: no sender on incoming message")
	}
	if user != proto.TargetUser {
		return "", newErr(KindInvalidArgs, "create: unsupported target user %q", user)
	}
	if len(argv) == 0 {
		return "", newErr(KindInvalidArgs, "create: argv must not be empty")
	}

	authorized, err := b.authority.CheckAuthorization(sender)
	if err != nil {
		return "", err
	}
	if !authorized {
		b.log.Info("create denied", "sender", sender)
		return "", newErr(KindAccessDenied, "create: %s is not authorized for %s", sender, proto.PolicyActionID)
	}

	session, err := newSession(sender, argv, interactive)
	if err != nil {
		return "", err
	}

	id := b.registry.allocate()
	path := proto.SessionPath(id)

	if err := b.conn.Export(sessionObject{session}, dbus.ObjectPath(path), proto.SessionInterface); err != nil {
		b.registry.remove(id)
		session.att.detach()
		return "", newErr(KindIO, "export session: %v", err)
	}

	b.mu.Lock()
	b.sessions[id] = session
	b.mu.Unlock()

	b.log.Info("session created", "path", path, "sender", sender, "interactive", interactive, "argv", argv)
	return path, nil
}

// sessionCount is used by tests to assert on Registry/session-map
// symmetry.
func (b *Broker) sessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// rootObject adapts Broker.create to the de.ytvwld.Ele1 D-Bus interface.
// The trailing dbus.Sender parameter is populated by godbus from the
// method call's header rather than by the caller, which is how the
// incoming message's sender identity is extracted.
type rootObject struct{ b *Broker }

func (r rootObject) Create(user string, argv []string, interactive bool, sender dbus.Sender) (string, *dbus.Error) {
	path, err := r.b.create(string(sender), user, argv, interactive)
	if err != nil {
		return "", DBusError(err)
	}
	return path, nil
}

// sessionObject adapts a *Session to the de.ytvwld.Ele1.Process
// interface.
type sessionObject struct{ s *Session }

func (o sessionObject) Environment(vars map[string]string, sender dbus.Sender) *dbus.Error {
	return DBusError(o.s.Environment(string(sender), vars))
}

func (o sessionObject) Directory(path string, sender dbus.Sender) *dbus.Error {
	return DBusError(o.s.Directory(string(sender), path))
}

func (o sessionObject) Spawn(sender dbus.Sender) ([]dbus.UnixFD, *dbus.Error) {
	fds, err := o.s.Spawn(string(sender))
	if err != nil {
		return nil, DBusError(err)
	}
	out := make([]dbus.UnixFD, len(fds))
	for i, fd := range fds {
		out[i] = dbus.UnixFD(fd)
	}
	return out, nil
}

func (o sessionObject) Signal(n int32, sender dbus.Sender) *dbus.Error {
	return DBusError(o.s.Signal(string(sender), n))
}

func (o sessionObject) Resize(rows, cols, pixW, pixH uint16, sender dbus.Sender) *dbus.Error {
	return DBusError(o.s.Resize(string(sender), rows, cols, pixW, pixH))
}
