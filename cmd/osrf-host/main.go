// Command osrf-host runs a ServiceHost (spec.md §4.6): a drone-pool-backed
// listener for one service class, registered with zero or more routers.
//
// Application method implementations are out of scope (spec.md §1
// Non-goals: "application method implementations"); this binary hosts
// whatever MethodHandler table main's own build wires in. As shipped, that
// table is empty, so every REQUEST this host receives returns the ordinary
// 404 Fail path — it exists to exercise the dispatch/drone-pool/keepalive
// machinery end to end, not to be a real application.
package main

import (
	"flag"
	"os"
	"strings"
	"time"

	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/bus"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/config"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/control"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/host"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
)

var (
	domain         = flag.String("domain", "", "domain this service listens on (required)")
	user           = flag.String("user", "opensrf", "broker login user for the service's own socket")
	password       = flag.String("password", "", "broker login password")
	port           = flag.Int("port", 0, "broker port; 0 selects the transport's default")
	service        = flag.String("service", "", "service class name (required)")
	routers        = flag.String("routers", "", "comma-separated router@domain/router addresses to register with")
	minChildren    = flag.Int("min-children", 3, "minimum drones kept alive")
	maxChildren    = flag.Int("max-children", 10, "maximum concurrent drones")
	minSpare       = flag.Int("min-spare-children", 2, "minimum idle drones kept warm")
	maxSpare       = flag.Int("max-spare-children", 5, "maximum idle drones before culling")
	maxRequests    = flag.Int("max-requests", 0, "requests served before a drone recycles; 0 disables")
	keepaliveSecs  = flag.Int("keepalive", 60, "seconds a CONNECTED session may sit idle before timeout")
	connectTimeout = flag.Duration("connect-timeout", 10*time.Second, "timeout for the initial broker login")
)

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseRouters(s string) []jid.JID {
	var out []jid.JID
	for _, addr := range splitCSV(s) {
		j, err := jid.Parse(addr)
		if err != nil {
			vlog.Errorf("osrf-host: skipping unparsable router address %q: %v", addr, err)
			continue
		}
		out = append(out, j)
	}
	return out
}

func main() {
	flag.Parse()
	if *domain == "" || *service == "" {
		vlog.Errorf("osrf-host: --domain and --service are required")
		os.Exit(1)
	}
	if config.AdoptSyslog() {
		vlog.Infof("osrf-host: %s set, leaving the system log facility as the caller configured it", config.EnvAdoptSyslog)
	}
	roleTag := "host"
	if config.ForceClientRoleLogging() {
		roleTag = "client"
		vlog.Infof("osrf-host: %s set, logging under the client role", config.EnvLogClient)
	}

	policy := host.Policy{
		MinChildren:   *minChildren,
		MaxChildren:   *maxChildren,
		MinSpare:      *minSpare,
		MaxSpare:      *maxSpare,
		MaxRequests:   *maxRequests,
		KeepaliveSecs: *keepaliveSecs,
	}
	methods := map[string]host.MethodHandler{}

	// See the pkg/bus package doc comment on bus.Hub as the shipped
	// transport.
	dialer := bus.NewHub()
	h := host.New(dialer, *domain, *user, *password, *port, *service, policy, methods)
	if err := h.Start(*connectTimeout); err != nil {
		vlog.Errorf("osrf-host: failed to start: %v", err)
		os.Exit(1)
	}
	if routerAddrs := parseRouters(*routers); len(routerAddrs) > 0 {
		if err := h.RegisterWithRouters(routerAddrs); err != nil {
			vlog.Errorf("osrf-host: failed to register with routers: %v", err)
		}
	}

	ctrl := control.New(control.Handlers{
		Graceful:   h.Shutdown,
		Fast:       h.Shutdown,
		Reload:     h.RecycleDrones,
		Deregister: h.Deregister,
		Reregister: h.Reregister,
	})
	ctrl.Start()
	defer ctrl.Stop()

	vlog.Infof("osrf-host[%s]: %s listening as %s", roleTag, *service, h.Self())
	h.Run()
}
