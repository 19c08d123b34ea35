// Package proto defines the D-Bus wire contract shared by eled (the
// broker) and ele (the client): the service name, object paths, and
// interface names.
package proto

import "fmt"

// ServiceName is the well-known bus name eled requests at startup.
const ServiceName = "de.ytvwld.Ele"

// RootPath is the object path of the root dispatch object.
const RootPath = "/de/ytvwld/Ele"

// RootInterface is served at RootPath and exposes Create.
const RootInterface = "de.ytvwld.Ele1"

// SessionInterface is served at each path returned by Create.
const SessionInterface = "de.ytvwld.Ele1.Process"

// TargetUser is the only value Create currently accepts for its user
// argument; non-root targets are out of scope for this revision.
const TargetUser = "root"

// PolicyActionID is the action checked against the policy authority.
const PolicyActionID = "org.freedesktop.policykit.exec"

// SessionPath returns the object path a session with the given id is
// published at: /de/ytvwld/Ele/<id>.
func SessionPath(id uint64) string {
	return fmt.Sprintf("%s/%d", RootPath, id)
}
