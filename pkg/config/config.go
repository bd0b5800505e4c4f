// Package config holds the typed configuration trees a ServiceHost, Router,
// or process-control CLI is built from (spec.md §6). Reading these out of a
// settings file is explicitly out of scope (spec.md §1 Non-goals) — callers
// construct these directly, the way lib/flags' RuntimeFlags/ListenFlags are
// handed fully-populated to their consumers rather than parsed inline.
package config

import (
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/host"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
)

// RouterRef is one entry of Bootstrap.Routers: either a bare domain (Name
// empty, meaning "use Bootstrap.RouterName") or a fully qualified
// {name, domain, services} form, optionally scoped to a subset of services.
type RouterRef struct {
	Name     string
	Domain   string
	Services []string // empty means "applies to every hosted service"
}

// AppliesTo reports whether this router reference should receive
// registrations for service.
func (r RouterRef) AppliesTo(service string) bool {
	if len(r.Services) == 0 {
		return true
	}
	for _, s := range r.Services {
		if s == service {
			return true
		}
	}
	return false
}

// Bootstrap is the top-level process configuration (spec.md §6 Bootstrap).
type Bootstrap struct {
	Domain      string
	Port        int
	Username    string
	Password    string
	RouterName  string
	Routers     []RouterRef
	Logfile     string
	LogLevel    int
	MsgSizeWarn int
	LogTag      string
}

// RouterJID resolves ref into the router's top-level login address, filling
// in Bootstrap.RouterName when ref is the bare-domain-string form.
func (b Bootstrap) RouterJID(ref RouterRef) jid.JID {
	name := ref.Name
	if name == "" {
		name = b.RouterName
	}
	return jid.NewRouter(name, ref.Domain)
}

// RoutersForService resolves the full Routers list into login addresses a
// ServiceHost for service should register with.
func (b Bootstrap) RoutersForService(service string) []jid.JID {
	var out []jid.JID
	for _, ref := range b.Routers {
		if ref.AppliesTo(service) {
			out = append(out, b.RouterJID(ref))
		}
	}
	return out
}

// UnixConfig is the per-app drone-pool tuning block (spec.md §6 Per-app
// unix_config).
type UnixConfig struct {
	MaxChildren      int
	MinChildren      int
	MinSpareChildren int
	MaxSpareChildren int
}

// PerApp is one hosted service's tuning (spec.md §6 Per-app).
type PerApp struct {
	Language      string
	Stateless     bool
	KeepaliveSecs int
	MaxRequests   int
	Unix          UnixConfig
	AppSettings   map[string]interface{}
}

// HostPolicy converts this app's unix_config/keepalive/max_requests block
// into the Policy a ServiceHost is built with.
func (a PerApp) HostPolicy() host.Policy {
	return host.Policy{
		MinChildren:   a.Unix.MinChildren,
		MaxChildren:   a.Unix.MaxChildren,
		MinSpare:      a.Unix.MinSpareChildren,
		MaxSpare:      a.Unix.MaxSpareChildren,
		MaxRequests:   a.MaxRequests,
		KeepaliveSecs: a.KeepaliveSecs,
	}
}

// Transport is a Router's own broker login (spec.md §6 Router transport).
type Transport struct {
	Server   string
	Port     int
	Username string
	Password string
	Resource string
}

// TrustedDomains is a Router's dispatch/registration trust lists (spec.md
// §4.5 Trust, §6 Router trusted_domains).
type TrustedDomains struct {
	Client []string
	Server []string
}

// RouterConfig is a Router process's configuration (spec.md §6 Router).
type RouterConfig struct {
	Transport      Transport
	TrustedDomains TrustedDomains
	LogLevel       int
	Logfile        string
	Syslog         bool
}
