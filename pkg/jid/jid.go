// Package jid parses and constructs the bus addressing forms used by the
// OpenSRF core: the logical opensrf:<role>:... form and the legacy
// user@domain/resource XMPP form.
package jid

import (
	"fmt"
	"strings"

	"github.com/pborman/uuid"
	"v.io/v23/verror"
)

const pkgPath = "github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"

var (
	errMalformed = verror.Register(pkgPath+".errMalformed", verror.NoRetry, "{1:}{2:} malformed address {3}{:_}")
)

// Role is the role component of a logical opensrf address.
type Role string

const (
	RoleClient  Role = "client"
	RoleService Role = "service"
	RoleRouter  Role = "router"
)

// JID is a parsed bus address. It round-trips through String() back to the
// legacy user@domain/resource form, which is the only form ever placed on
// the wire (§6): logical opensrf:... addresses are a construction
// convenience and always resolve to a User/Domain/Resource triple.
type JID struct {
	User     string
	Domain   string
	Resource string
}

// String renders the legacy user@domain/resource form.
func (j JID) String() string {
	if j.Resource == "" {
		return j.User + "@" + j.Domain
	}
	return j.User + "@" + j.Domain + "/" + j.Resource
}

// Bare returns the JID with its resource stripped.
func (j JID) Bare() JID {
	return JID{User: j.User, Domain: j.Domain}
}

// IsZero reports whether j is the zero-value address.
func (j JID) IsZero() bool {
	return j.User == "" && j.Domain == "" && j.Resource == ""
}

// Parse accepts either the legacy user@domain/resource form or the logical
// opensrf:<role>:... form and returns the equivalent JID.
func Parse(s string) (JID, error) {
	if strings.HasPrefix(s, "opensrf:") {
		return parseLogical(s)
	}
	return parseLegacy(s)
}

func parseLegacy(s string) (JID, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return JID{}, verror.New(errMalformed, nil, s)
	}
	user := s[:at]
	rest := s[at+1:]
	domain := rest
	resource := ""
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		domain = rest[:slash]
		resource = rest[slash+1:]
	}
	if user == "" || domain == "" {
		return JID{}, verror.New(errMalformed, nil, s)
	}
	return JID{User: user, Domain: domain, Resource: resource}, nil
}

// parseLogical turns "opensrf:<role>:<user>:<domain>:<extra...>" into a JID.
// The role determines how the remaining colon-separated fields are packed
// into the Resource. The router role is the one exception to that layout:
// its listen form carries no user component at all (spec.md §6 Addressing:
// "Router listen: opensrf:router:<domain>"), so it is handled before the
// generic <user>:<domain> split applies.
func parseLogical(s string) (JID, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || parts[0] != "opensrf" {
		return JID{}, verror.New(errMalformed, nil, s)
	}
	role := Role(parts[1])
	if role == RoleRouter && len(parts) == 3 {
		// opensrf:router:<domain>
		return JID{User: "router", Domain: parts[2], Resource: "router"}, nil
	}
	if len(parts) < 4 {
		return JID{}, verror.New(errMalformed, nil, s)
	}
	user := parts[2]
	domain := parts[3]
	extra := parts[4:]
	switch role {
	case RoleClient:
		// opensrf:client:<user>:<domain>:<host>:<pid>:<rand>
		if len(extra) < 3 {
			return JID{}, verror.New(errMalformed, nil, s)
		}
		return JID{User: user, Domain: domain, Resource: strings.Join(extra, ":")}, nil
	case RoleService:
		// opensrf:service:<user>:<domain>:<service>
		if len(extra) < 1 {
			return JID{}, verror.New(errMalformed, nil, s)
		}
		return JID{User: user, Domain: domain, Resource: extra[0]}, nil
	case RoleRouter:
		// opensrf:router:<user>:<domain> (per-class registration login)
		return JID{User: user, Domain: domain, Resource: "router"}, nil
	default:
		return JID{}, verror.New(errMalformed, nil, s)
	}
}

// NewService builds the logical service-listen address for a class on a
// domain, as a concrete JID with the service name as its resource.
func NewService(user, domain, service string) JID {
	return JID{User: user, Domain: domain, Resource: service}
}

// NewRouter builds the router-listen address for a domain; router logins
// use the service class name as their resource once registered against a
// class, but the bare router address uses the fixed "router" resource.
func NewRouter(user, domain string) JID {
	return JID{User: user, Domain: domain, Resource: "router"}
}

// NewRouterClass builds a router's per-class login address: the router
// authenticates once per class, using the class name as the resource.
func NewRouterClass(user, domain, class string) JID {
	return JID{User: user, Domain: domain, Resource: class}
}

// NewClient builds a fresh, unique client address for the given user/domain,
// combining hostname, pid and a random component as spec.md §6 requires.
func NewClient(user, domain, host string, pid int) JID {
	rand := uuid.New()
	return JID{
		User:     user,
		Domain:   domain,
		Resource: fmt.Sprintf("%s:%d:%s", host, pid, rand),
	}
}
