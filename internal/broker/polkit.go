package broker

import "github.com/godbus/dbus/v5"

const (
	polkitDest   = "org.freedesktop.PolicyKit1.Authority"
	polkitPath   = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	polkitMethod = "org.freedesktop.PolicyKit1.Authority.CheckAuthorization"

	// allowUserInteraction is the CheckAuthorizationFlags value permitting
	// the authority to prompt the user.
	allowUserInteraction uint32 = 1
)

// Authority adjudicates whether a caller may perform PolicyActionID. It
// is the broker's sole dependency on an external collaborator.
type Authority interface {
	// CheckAuthorization reports whether sender (a D-Bus unique name) is
	// authorized for proto.PolicyActionID.
	CheckAuthorization(sender string) (authorized bool, err error)
}

// polkitAuthority calls the real org.freedesktop.PolicyKit1.Authority
// service over conn: conn.Object(dest, path).Call(method, flags, args...).
type polkitAuthority struct {
	conn   *dbus.Conn
	action string
}

func newPolkitAuthority(conn *dbus.Conn, action string) *polkitAuthority {
	return &polkitAuthority{conn: conn, action: action}
}

// NewSystemAuthority returns an Authority that calls the real
// org.freedesktop.PolicyKit1.Authority service over conn for action.
// This is what cmd/eled wires up for -bus system (the default).
func NewSystemAuthority(conn *dbus.Conn, action string) Authority {
	return newPolkitAuthority(conn, action)
}

// subject is the (kind, details) pair CheckAuthorization expects. A
// system-bus-name subject is the natural fit for a caller we only know
// by its unique connection name.
type subject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// checkAuthorizationResult mirrors the (is_authorized, is_challenge,
// details) struct PolicyKit1 returns; only IsAuthorized drives this
// broker's decision.
type checkAuthorizationResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

func (p *polkitAuthority) CheckAuthorization(sender string) (bool, error) {
	if sender == "" {
		return false, newErr(KindInconsistentMessage, "check-authorization: missing sender")
	}

	subj := subject{
		Kind: "system-bus-name",
		Details: map[string]dbus.Variant{
			"name": dbus.MakeVariant(sender),
		},
	}
	details := map[string]string{}
	cancellationID := ""

	obj := p.conn.Object(polkitDest, polkitPath)
	call := obj.Call(polkitMethod, 0,
		subj, p.action, details, allowUserInteraction, cancellationID)
	if call.Err != nil {
		return false, newErr(KindIO, "policy authority transport: %v", call.Err)
	}

	var result checkAuthorizationResult
	if err := call.Store(&result.IsAuthorized, &result.IsChallenge, &result.Details); err != nil {
		return false, newErr(KindInconsistentMessage, "policy authority reply: %v", err)
	}
	return result.IsAuthorized, nil
}

// alwaysAuthority is a stub Authority that gives the same answer, allow,
// for every non-empty sender: it authorizes every request when allow is
// true and denies every request when allow is false.
type alwaysAuthority struct{ allow bool }

func (a alwaysAuthority) CheckAuthorization(sender string) (bool, error) {
	if sender == "" {
		return false, newErr(KindInconsistentMessage, "check-authorization: missing sender")
	}
	return a.allow, nil
}
