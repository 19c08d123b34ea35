package broker

import (
	"bufio"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var be *Error
	require.True(t, errors.As(err, &be), "expected a *broker.Error, got %T: %v", err, err)
	return be.Kind
}

func TestSessionCallerBinding(t *testing.T) {
	s, err := newSession("owner", []string{"/bin/true"}, false)
	require.NoError(t, err)
	defer s.att.detach()

	err = s.Directory("someone-else", "/tmp")
	require.Error(t, err)
	assert.Equal(t, KindAccessDenied, kindOf(t, err))

	require.NoError(t, s.Directory("owner", "/tmp"))
}

func TestSessionEnvironmentAndDirectoryAfterSpawnFail(t *testing.T) {
	s, err := newSession("owner", []string{"sh", "-c", "sleep 0.2"}, false)
	require.NoError(t, err)
	defer s.att.detach()

	_, err = s.Spawn("owner")
	require.NoError(t, err)

	err = s.Environment("owner", map[string]string{"X": "1"})
	require.Error(t, err)
	assert.Equal(t, KindFileExists, kindOf(t, err))

	err = s.Directory("owner", "/tmp")
	require.Error(t, err)
	assert.Equal(t, KindFileExists, kindOf(t, err))

	err = s.Signal("owner", 9)
	require.NoError(t, err)
	waitExit(t, s)
}

func TestSessionSignalBeforeSpawnFails(t *testing.T) {
	s, err := newSession("owner", []string{"/bin/true"}, false)
	require.NoError(t, err)
	defer s.att.detach()

	err = s.Signal("owner", 15)
	require.Error(t, err)
	assert.Equal(t, KindFileNotFound, kindOf(t, err))
}

func TestSessionSpawnTwiceFails(t *testing.T) {
	s, err := newSession("owner", []string{"sh", "-c", "sleep 0.2"}, false)
	require.NoError(t, err)
	defer s.att.detach()

	_, err = s.Spawn("owner")
	require.NoError(t, err)

	_, err = s.Spawn("owner")
	require.Error(t, err)
	assert.Equal(t, KindFileExists, kindOf(t, err))

	require.NoError(t, s.Signal("owner", 9))
	waitExit(t, s)
}

func TestSessionSignalInvalidNumber(t *testing.T) {
	s, err := newSession("owner", []string{"sh", "-c", "sleep 0.2"}, false)
	require.NoError(t, err)
	defer s.att.detach()

	_, err = s.Spawn("owner")
	require.NoError(t, err)

	err = s.Signal("owner", 0)
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgs, kindOf(t, err))

	require.NoError(t, s.Signal("owner", 9))
	waitExit(t, s)
}

func TestSessionSpawnBatchRoundTrip(t *testing.T) {
	s, err := newSession("owner", []string{"sh", "-c", "echo hello"}, false)
	require.NoError(t, err)

	require.NoError(t, s.Environment("owner", map[string]string{"X": "1"}))
	require.NoError(t, s.Directory("owner", os.TempDir()))

	fds, err := s.Spawn("owner")
	require.NoError(t, err)
	require.Len(t, fds, 3, "pipes attachment returns stdin, stderr, stdout in that order")

	stdoutFile := os.NewFile(uintptr(fds[2]), "stdout")
	defer stdoutFile.Close()
	defer os.NewFile(uintptr(fds[0]), "stdin").Close()
	defer os.NewFile(uintptr(fds[1]), "stderr").Close()

	scanner := bufio.NewScanner(stdoutFile)
	require.True(t, scanner.Scan())
	assert.Equal(t, "hello", scanner.Text())

	waitExit(t, s)
}

func TestSessionSpawnInteractiveReturnsOneFD(t *testing.T) {
	s, err := newSession("owner", []string{"sh", "-c", "echo hi; sleep 0.2"}, true)
	require.NoError(t, err)

	fds, err := s.Spawn("owner")
	require.NoError(t, err)
	require.Len(t, fds, 1, "a PTY attachment returns exactly one descriptor")

	master := os.NewFile(uintptr(fds[0]), "pty")
	defer master.Close()

	buf := make([]byte, 64)
	master.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _ := master.Read(buf)
	assert.Contains(t, string(buf[:n]), "hi")

	waitExit(t, s)
}

func TestSessionResizeNotApplicableToPipes(t *testing.T) {
	s, err := newSession("owner", []string{"sh", "-c", "sleep 0.2"}, false)
	require.NoError(t, err)
	defer s.att.detach()

	_, err = s.Spawn("owner")
	require.NoError(t, err)

	err = s.Resize("owner", 24, 80, 0, 0)
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgs, kindOf(t, err))

	require.NoError(t, s.Signal("owner", 9))
	waitExit(t, s)
}

func TestSessionResizeAppliesToPTY(t *testing.T) {
	s, err := newSession("owner", []string{"sh", "-c", "sleep 0.2"}, true)
	require.NoError(t, err)

	_, err = s.Spawn("owner")
	require.NoError(t, err)

	require.NoError(t, s.Resize("owner", 40, 120, 0, 0))

	require.NoError(t, s.Signal("owner", 9))
	waitExit(t, s)
}

// waitExit polls pollExit until the child is reaped, failing the test if
// it takes more than a couple of seconds. Mirrors what the Reaper does
// in production, one sweep at a time.
func waitExit(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		exited, err := s.pollExit()
		require.NoError(t, err)
		if exited {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("child did not exit within 2s")
}
