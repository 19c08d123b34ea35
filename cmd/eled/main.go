// eled is the privilege-elevation broker: a privileged background
// service reached over D-Bus that authenticates callers through the
// platform's policy authority and spawns programs on their behalf
// behind a PTY or pipes.
//
// Usage:
//
//	eled [-bus system|session] [-poll-interval 2s]
//
// eled normally runs as a system service activated by the bus daemon;
// -bus session and a shorter -poll-interval exist for local development
// and the integration tests.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-hclog"

	"github.com/YtvwlD/ele/internal/broker"
	"github.com/YtvwlD/ele/internal/proto"
)

func main() {
	busKind := flag.String("bus", "system", "bus to connect to: system or session")
	pollInterval := flag.Duration("poll-interval", 2*time.Second, "Reaper sweep interval")
	flag.Parse()

	log := hclog.New(&hclog.LoggerOptions{
		Name:            "eled",
		Level:           logLevelFromEnv(),
		IncludeLocation: false,
	})

	conn, err := dialBus(*busKind)
	if err != nil {
		log.Error("connect to bus", "bus", *busKind, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	var authority broker.Authority
	if *busKind == "session" {
		// No real policy authority lives on a session bus; local
		// development and the integration tests always authorize.
		authority = alwaysAuthority{}
	} else {
		authority = broker.NewSystemAuthority(conn, proto.PolicyActionID)
	}

	b := broker.New(conn, authority,
		broker.WithPollInterval(*pollInterval),
		broker.WithLogger(log))

	if err := b.Run(); err != nil {
		log.Error("run", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())
	b.Close()
}

func dialBus(kind string) (*dbus.Conn, error) {
	switch kind {
	case "system":
		return dbus.ConnectSystemBus()
	case "session":
		return dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown -bus %q (want system or session)", kind)
	}
}

// logLevelFromEnv reads ELE_LOG, a RUST_LOG-style log-level variable;
// if unset, it defaults to informational verbosity.
func logLevelFromEnv() hclog.Level {
	v := os.Getenv("ELE_LOG")
	if v == "" {
		return hclog.Info
	}
	return hclog.LevelFromString(v)
}

// alwaysAuthority mirrors broker.alwaysAuthority but lives in main
// because the broker package's version is unexported; cmd/eled only
// ever needs the "always allow" shape, never the "always deny" one
// that the broker version's allow field also permits.
type alwaysAuthority struct{}

func (alwaysAuthority) CheckAuthorization(sender string) (bool, error) {
	if sender == "" {
		return false, fmt.Errorf("check-authorization: missing sender")
	}
	return true, nil
}
