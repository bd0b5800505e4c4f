package config

import "testing"

func TestRoutersForServiceFiltersByScope(t *testing.T) {
	b := Bootstrap{
		Domain:     "private.localhost",
		RouterName: "router",
		Routers: []RouterRef{
			{Domain: "private.localhost"},                                   // bare domain, all services
			{Name: "router2", Domain: "other.localhost", Services: []string{"svc.a"}},
			{Name: "router3", Domain: "third.localhost", Services: []string{"svc.b"}},
		},
	}

	got := b.RoutersForService("svc.a")
	if len(got) != 2 {
		t.Fatalf("expected 2 routers for svc.a, got %d: %v", len(got), got)
	}
	if got[0].Resource != "router" || got[0].Domain != "private.localhost" {
		t.Fatalf("bare-domain entry resolved wrong: %+v", got[0])
	}
	if got[1].User != "router2" || got[1].Domain != "other.localhost" {
		t.Fatalf("scoped entry resolved wrong: %+v", got[1])
	}

	got = b.RoutersForService("svc.b")
	if len(got) != 2 || got[1].User != "router3" {
		t.Fatalf("expected svc.b scoped to router1 (bare) + router3, got %v", got)
	}

	got = b.RoutersForService("svc.c")
	if len(got) != 1 {
		t.Fatalf("expected only the bare-domain router for an unscoped service, got %v", got)
	}
}

func TestHostPolicyConversion(t *testing.T) {
	app := PerApp{
		KeepaliveSecs: 60,
		MaxRequests:   1000,
		Unix: UnixConfig{
			MinChildren:      3,
			MaxChildren:      10,
			MinSpareChildren: 2,
			MaxSpareChildren: 5,
		},
	}
	p := app.HostPolicy()
	if p.MinChildren != 3 || p.MaxChildren != 10 || p.MinSpare != 2 || p.MaxSpare != 5 {
		t.Fatalf("unexpected policy conversion: %+v", p)
	}
	if p.MaxRequests != 1000 || p.KeepaliveSecs != 60 {
		t.Fatalf("unexpected scalar conversion: %+v", p)
	}
}
