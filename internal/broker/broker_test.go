package broker

import (
	"fmt"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a busConn that never touches a real bus: Export just
// records what was (un)published, and RequestName always succeeds. This
// is what lets Broker.create and the Reaper's sweep be unit tested
// without a real D-Bus connection.
type fakeConn struct {
	exported map[dbus.ObjectPath]bool
	failNext bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{exported: map[dbus.ObjectPath]bool{}}
}

func (f *fakeConn) RequestName(string, dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	return dbus.RequestNameReplyPrimaryOwner, nil
}

func (f *fakeConn) Export(v any, path dbus.ObjectPath, iface string) error {
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("injected export failure")
	}
	if v == nil {
		delete(f.exported, path)
		return nil
	}
	f.exported[path] = true
	return nil
}

// fakeAuthority lets tests control CheckAuthorization's outcome without
// a real PolicyKit1 service.
type fakeAuthority struct {
	authorized bool
	err        error
}

func (f fakeAuthority) CheckAuthorization(sender string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.authorized, nil
}

func TestCreateHappyPathPublishesOneSessionPerCall(t *testing.T) {
	conn := newFakeConn()
	b := newBroker(conn, fakeAuthority{authorized: true})

	path1, err := b.create("sender-a", "root", []string{"/bin/true"}, true)
	require.NoError(t, err)
	path2, err := b.create("sender-a", "root", []string{"/bin/true"}, true)
	require.NoError(t, err)

	assert.NotEqual(t, path1, path2, "returned paths must be pairwise distinct")
	assert.Regexp(t, `^/de/ytvwld/Ele/\d+$`, path1)
	assert.Equal(t, 2, b.sessionCount())
	assert.True(t, conn.exported[dbus.ObjectPath(path1)])
	assert.True(t, conn.exported[dbus.ObjectPath(path2)])

	cleanupSessions(t, b)
}

func TestCreateRejectsEmptyArgv(t *testing.T) {
	conn := newFakeConn()
	b := newBroker(conn, fakeAuthority{authorized: true})

	_, err := b.create("sender-a", "root", nil, true)
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgs, kindOf(t, err))
	assert.Equal(t, 0, b.sessionCount())
}

func TestCreateRejectsUnsupportedUser(t *testing.T) {
	b := newBroker(newFakeConn(), fakeAuthority{authorized: true})

	_, err := b.create("sender-a", "alice", []string{"/bin/true"}, true)
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgs, kindOf(t, err))
}

func TestCreateRejectsMissingSender(t *testing.T) {
	b := newBroker(newFakeConn(), fakeAuthority{authorized: true})

	_, err := b.create("", "root", []string{"/bin/true"}, true)
	require.Error(t, err)
	assert.Equal(t, KindAccessDenied, kindOf(t, err))
}

func TestCreateDeniedByPolicyPublishesNothing(t *testing.T) {
	conn := newFakeConn()
	b := newBroker(conn, fakeAuthority{authorized: false})

	_, err := b.create("sender-a", "root", []string{"/bin/true"}, true)
	require.Error(t, err)
	assert.Equal(t, KindAccessDenied, kindOf(t, err))
	assert.Equal(t, 0, b.sessionCount())
	assert.Empty(t, conn.exported)
}

func TestCreateDoesNotAdvanceNextIDOnFailure(t *testing.T) {
	b := newBroker(newFakeConn(), fakeAuthority{authorized: true})

	_, err := b.create("sender-a", "root", nil, true)
	require.Error(t, err)

	path, err := b.create("sender-a", "root", []string{"/bin/true"}, true)
	require.NoError(t, err)
	assert.Equal(t, "/de/ytvwld/Ele/1", path, "next_id must not have advanced on the earlier failure")

	cleanupSessions(t, b)
}

func TestSweepUnpublishesExitedSessions(t *testing.T) {
	conn := newFakeConn()
	b := newBroker(conn, fakeAuthority{authorized: true})

	path, err := b.create("sender-a", "root", []string{"sh", "-c", "true"}, false)
	require.NoError(t, err)

	b.mu.Lock()
	var sess *Session
	for _, s := range b.sessions {
		sess = s
	}
	b.mu.Unlock()
	_, err = sess.Spawn("sender-a")
	require.NoError(t, err)

	waitExit(t, sess)
	// pollExit was already consumed by waitExit; re-spawn bookkeeping
	// aside, sweep must still observe the now-exited child and retract
	// the publication.
	b.sweep()

	assert.False(t, conn.exported[dbus.ObjectPath(path)], "exited session must be unpublished")
	assert.Equal(t, 0, b.sessionCount())
	assert.Empty(t, b.registry.snapshot())
}

// cleanupSessions detaches every session's attachment so the test
// doesn't leak PTY descriptors or pipes.
func cleanupSessions(t *testing.T, b *Broker) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		s.att.detach()
	}
}
