// Command osrf-router runs a single Router process (spec.md §4.5): a
// multi-class dispatcher that service hosts register with and clients send
// requests through.
package main

import (
	"flag"
	"os"
	"strings"
	"time"

	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/bus"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/control"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/router"
)

var (
	domain         = flag.String("domain", "", "domain this router listens on (required)")
	user           = flag.String("user", "router", "broker login user for the router's own sockets")
	password       = flag.String("password", "", "broker login password")
	port           = flag.Int("port", 0, "broker port; 0 selects the transport's default")
	trustedClients = flag.String("trusted-client-domains", "", "comma-separated domains allowed to dispatch requests")
	trustedServers = flag.String("trusted-server-domains", "", "comma-separated domains allowed to register/unregister nodes")
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

func main() {
	flag.Parse()
	if *domain == "" {
		vlog.Errorf("osrf-router: --domain is required")
		os.Exit(1)
	}

	// bus.Hub is the in-process broker spec.md §1/§9 leaves as the one
	// transport this module ships, for colocated deployments and this
	// repository's own tests; a real multi-process deployment supplies
	// its own bus.Dialer for its chosen wire transport (the XMPP broker
	// itself is an external collaborator, per spec.md §1 Non-goals).
	dialer := bus.NewHub()
	r := router.New(dialer, *domain, *user, *password, *port, splitCSV(*trustedClients), splitCSV(*trustedServers))
	if err := r.Start(*connectTimeout); err != nil {
		vlog.Errorf("osrf-router: failed to start: %v", err)
		os.Exit(1)
	}

	ctrl := control.New(control.Handlers{
		Graceful: r.Shutdown,
		Fast:     r.Shutdown,
	})
	ctrl.Start()
	defer ctrl.Stop()

	vlog.Infof("osrf-router: listening as %s", r.TopJID())
	r.Run()
}
