// Command osrfctl is the process-control CLI surface of spec.md §6: start,
// stop, signal, and inspect the per-service osrf-host processes (and, via
// --signal/--service router, an osrf-router process) this node hosts.
//
// Reading a settings file into the list of hosted services is explicitly
// out of scope (spec.md §1 Non-goals: "the configuration file reader"); the
// set this tool acts on for any "-all" flag comes from --services, a
// stand-in for what a real deployment's config loader would otherwise
// supply as a config.Bootstrap.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"v.io/x/lib/vlog"

	"github.com/evergreen-library-system/OpenSRF-sub003/internal/procutil"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/bus"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/envelope"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/jid"
	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

var (
	start          = flag.Bool("start", false, "start --service")
	stop           = flag.Bool("stop", false, "stop --service")
	restart        = flag.Bool("restart", false, "restart --service")
	startAll       = flag.Bool("start-all", false, "start every service in --services")
	stopAll        = flag.Bool("stop-all", false, "stop every service in --services")
	restartAll     = flag.Bool("restart-all", false, "restart every service in --services")
	gracefulShut   = flag.Bool("graceful-shutdown", false, "send TERM to --service")
	gracefulShutAll = flag.Bool("graceful-shutdown-all", false, "send TERM to every service in --services")
	fastShut       = flag.Bool("fast-shutdown", false, "send INT to --service")
	fastShutAll    = flag.Bool("fast-shutdown-all", false, "send INT to every service in --services")
	immedShut      = flag.Bool("immediate-shutdown", false, "send KILL to --service")
	immedShutAll   = flag.Bool("immediate-shutdown-all", false, "send KILL to every service in --services")
	killWithFire   = flag.Bool("kill-with-fire", false, "send KILL to every service in --services, unconditionally")
	sig            = flag.String("signal", "", "send the named signal to --service (e.g. HUP, USR1)")
	sigAll         = flag.Bool("signal-all", false, "send --signal to every service in --services instead of just --service")
	routerDereg    = flag.Bool("router-de-register", false, "send USR1 to --service")
	routerDeregAll = flag.Bool("router-de-register-all", false, "send USR1 to every service in --services")
	routerRereg    = flag.Bool("router-re-register", false, "send USR2 to --service")
	routerReregAll = flag.Bool("router-re-register-all", false, "send USR2 to every service in --services")
	reload         = flag.Bool("reload", false, "send HUP to --service")
	reloadAll      = flag.Bool("reload-all", false, "send HUP to every service in --services")
	diagnostic     = flag.Bool("diagnostic", false, "print per-service PID/anomaly diagnostics")

	service               = flag.String("service", "", "service name this invocation acts on")
	services              = flag.String("services", "", "comma-separated service names for any -all flag")
	configPath            = flag.String("config", "", "path to a settings file (accepted, not read by this tool)")
	pidDir                = flag.String("pid-dir", "/var/run/opensrf", "directory holding per-service PID files")
	settingsStartupPause  = flag.Int("settings-startup-pause", 0, "seconds to sleep after each --start before returning")
	localhost             = flag.Bool("localhost", false, "restrict actions to services bound to localhost")
	binary                = flag.String("binary", "osrf-host", "binary to spawn for --start/--restart")
	binaryArgs            = flag.String("binary-args", "", "extra space-separated args forwarded to --binary on spawn")

	busDomain  = flag.String("bus-domain", "", "domain to dial for --diagnostic's live drone-count query; empty skips the query")
	busUser    = flag.String("bus-user", "opensrfctl", "broker login user for the diagnostic query connection")
	busPort    = flag.Int("bus-port", 0, "broker port for the diagnostic query connection; 0 selects the transport's default")
	busTimeout = flag.Duration("bus-timeout", 2*time.Second, "timeout for the diagnostic query connection and reply")
)

var signalByName = map[string]syscall.Signal{
	"TERM": syscall.SIGTERM,
	"INT":  syscall.SIGINT,
	"KILL": syscall.SIGKILL,
	"HUP":  syscall.SIGHUP,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

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
	// configPath and localhost are accepted for CLI-surface parity with
	// spec.md §6 but unused here: settings-file parsing is out of scope.

	failed := false
	one := func(err error, action, svc string) {
		if err != nil {
			vlog.Errorf("osrfctl: %s %s: %v", action, svc, err)
			failed = true
		}
	}

	svcList := splitCSV(*services)
	if *service != "" && len(svcList) == 0 {
		svcList = []string{*service}
	}

	if *start {
		one(doStart(*service), "start", *service)
	}
	if *startAll {
		for _, s := range svcList {
			one(doStart(s), "start", s)
		}
	}
	if *stop {
		one(doSignal(*service, syscall.SIGTERM), "stop", *service)
	}
	if *stopAll {
		for _, s := range svcList {
			one(doSignal(s, syscall.SIGTERM), "stop", s)
		}
	}
	if *restart {
		one(doSignal(*service, syscall.SIGTERM), "restart/stop", *service)
		one(doStart(*service), "restart/start", *service)
	}
	if *restartAll {
		for _, s := range svcList {
			one(doSignal(s, syscall.SIGTERM), "restart/stop", s)
			one(doStart(s), "restart/start", s)
		}
	}
	if *gracefulShut {
		one(doSignal(*service, syscall.SIGTERM), "graceful-shutdown", *service)
	}
	if *gracefulShutAll {
		for _, s := range svcList {
			one(doSignal(s, syscall.SIGTERM), "graceful-shutdown", s)
		}
	}
	if *fastShut {
		one(doSignal(*service, syscall.SIGINT), "fast-shutdown", *service)
	}
	if *fastShutAll {
		for _, s := range svcList {
			one(doSignal(s, syscall.SIGINT), "fast-shutdown", s)
		}
	}
	if *immedShut {
		one(doSignal(*service, syscall.SIGKILL), "immediate-shutdown", *service)
	}
	if *immedShutAll {
		for _, s := range svcList {
			one(doSignal(s, syscall.SIGKILL), "immediate-shutdown", s)
		}
	}
	if *killWithFire {
		for _, s := range svcList {
			one(doSignal(s, syscall.SIGKILL), "kill-with-fire", s)
		}
	}
	if *sig != "" {
		s, ok := signalByName[strings.ToUpper(*sig)]
		if !ok {
			vlog.Errorf("osrfctl: unrecognized --signal %q", *sig)
			failed = true
		} else if *sigAll {
			for _, svc := range svcList {
				one(doSignal(svc, s), "signal "+*sig, svc)
			}
		} else {
			one(doSignal(*service, s), "signal "+*sig, *service)
		}
	}
	if *routerDereg {
		one(doSignal(*service, syscall.SIGUSR1), "router-de-register", *service)
	}
	if *routerDeregAll {
		for _, s := range svcList {
			one(doSignal(s, syscall.SIGUSR1), "router-de-register", s)
		}
	}
	if *routerRereg {
		one(doSignal(*service, syscall.SIGUSR2), "router-re-register", *service)
	}
	if *routerReregAll {
		for _, s := range svcList {
			one(doSignal(s, syscall.SIGUSR2), "router-re-register", s)
		}
	}
	if *reload {
		one(doSignal(*service, syscall.SIGHUP), "reload", *service)
	}
	if *reloadAll {
		for _, s := range svcList {
			one(doSignal(s, syscall.SIGHUP), "reload", s)
		}
	}
	if *diagnostic {
		for _, s := range svcList {
			printDiagnostic(s)
		}
	}

	if failed {
		os.Exit(1)
	}
}

func doStart(svc string) error {
	if svc == "" {
		return fmt.Errorf("no --service given")
	}
	args := strings.Fields(*binaryArgs)
	args = append(args, "--service", svc)
	child, err := procutil.Start(svc, *binary, args, *pidDir)
	if err != nil {
		return err
	}
	if *settingsStartupPause > 0 {
		time.Sleep(time.Duration(*settingsStartupPause) * time.Second)
	}
	vlog.Infof("osrfctl: started %s as pid %d at %s", svc, child.PID(), child.StartedAt().Format(time.RFC3339))
	return nil
}

func doSignal(svc string, s syscall.Signal) error {
	if svc == "" {
		return fmt.Errorf("no --service given")
	}
	pid, err := procutil.NewPIDFile(*pidDir, svc).Read()
	if err != nil {
		return fmt.Errorf("reading pid file: %w", err)
	}
	return procutil.Signal(pid, s)
}

// printDiagnostic prints the spec.md §6 --diagnostic line for svc: PID,
// uptime, CPU time, drone count vs. max, and anomalies. Uptime/CPU time
// come from procfs via procutil.ProcessTimes; drone count vs. max comes
// from a live opensrf.host.info.drones introspection query (see
// queryDroneStats) when --bus-domain is given, mirroring how the Router
// exposes its own state over introspection rather than shared memory.
func printDiagnostic(svc string) {
	f := procutil.NewPIDFile(*pidDir, svc)
	pid, err := f.Read()
	if err != nil {
		fmt.Printf("%s: no pid file (%v)\n", svc, err)
		return
	}
	running := procutil.Exists(pid)
	fmt.Printf("%s: pid=%d running=%v\n", svc, pid, running)

	if running {
		if started, cpu, err := procutil.ProcessTimes(pid); err != nil {
			fmt.Printf("%s: uptime/cpu unavailable: %v\n", svc, err)
		} else {
			fmt.Printf("%s: uptime=%s cpu=%s\n", svc, time.Since(started).Round(time.Second), cpu.Round(time.Second))
		}
	}

	if stats, err := queryDroneStats(svc); err != nil {
		fmt.Printf("%s: drone count unavailable: %v\n", svc, err)
	} else {
		fmt.Printf("%s: drones=%v/%v (idle=%v active=%v)\n", svc, stats["total"], stats["max"], stats["idle"], stats["active"])
	}

	for _, a := range procutil.Diagnose(f, 0) {
		fmt.Printf("%s: anomaly: %s\n", svc, a)
	}
}

// queryDroneStats asks the running ServiceHost for svc its current drone
// count via its opensrf.host.info.drones introspection method. It dials
// through bus.NewHub() like cmd/osrf-host and cmd/osrf-router default to —
// a real multi-process deployment supplies its own bus.Dialer for its
// transport, at which point this query reaches the actual running host.
func queryDroneStats(svc string) (map[string]interface{}, error) {
	if *busDomain == "" {
		return nil, fmt.Errorf("no --bus-domain given")
	}
	dialer := bus.NewHub()
	bc := bus.NewBrokerClient(dialer, 0)
	if err := bc.Connect(*busUser, *busDomain, *busPort, "", "diag-"+svc, *busTimeout); err != nil {
		return nil, err
	}
	defer bc.Disconnect()

	target := jid.NewService("opensrf", *busDomain, svc)
	req := message.NewRequest(1, "opensrf.host.info.drones", nil)
	if err := bc.Send(envelope.Envelope{To: target, From: bc.JID(), Thread: "diag", Body: []message.Message{req}}); err != nil {
		return nil, err
	}
	env, ok, err := bc.Recv(*busTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no reply from %s within %s", target, *busTimeout)
	}
	for _, m := range env.Body {
		if m.Type == message.TypeResult {
			if stats, ok := m.Payload.(message.ResultPayload).Content.(map[string]interface{}); ok {
				return stats, nil
			}
		}
	}
	return nil, fmt.Errorf("no RESULT PDU in reply from %s", target)
}
