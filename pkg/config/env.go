package config

import "os"

// Environment variable names spec.md §4.6/§6 Environment reserves for
// overriding bootstrap behavior outside the (out-of-scope) settings file.
const (
	EnvHostname    = "OSRF_HOSTNAME"
	EnvLogClient   = "OSRF_LOG_CLIENT"
	EnvAdoptSyslog = "OSRF_ADOPT_SYSLOG"
)

// ResolveHostname returns OSRF_HOSTNAME if set, otherwise the machine's own
// hostname — the value callers should pass as the host component of
// jid.NewClient (spec.md §6 Environment: "OSRF_HOSTNAME overrides the
// FQDN").
func ResolveHostname() (string, error) {
	if h := os.Getenv(EnvHostname); h != "" {
		return h, nil
	}
	return os.Hostname()
}

// ForceClientRoleLogging reports whether OSRF_LOG_CLIENT is set, meaning
// this process should log under its client role tag regardless of what
// role it would otherwise assume (spec.md §6 Environment).
func ForceClientRoleLogging() bool {
	return os.Getenv(EnvLogClient) != ""
}

// AdoptSyslog reports whether OSRF_ADOPT_SYSLOG is set, meaning this
// process must not re-open the system log facility — its caller has
// already configured it (spec.md §6 Environment).
func AdoptSyslog() bool {
	return os.Getenv(EnvAdoptSyslog) != ""
}
