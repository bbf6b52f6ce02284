package routing

import (
	"testing"

	"github.com/tracdap/gateway/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Routes = []config.RouteConfig{
		{
			RouteName:  "metadata",
			PathPrefix: "/tracdap.api.TracMetadataApi/",
			Target:     config.TargetConfig{Host: "meta", Port: 5001, Protocol: config.ProtocolGRPC},
		},
		{
			RouteName:  "data",
			PathPrefix: "/tracdap.api.TracDataApi/",
			Target:     config.TargetConfig{Host: "data", Port: 5002, Protocol: config.ProtocolGRPC},
		},
		{
			RouteName:  "meta-rest",
			PathPrefix: "/trac-meta/api/",
			Methods:    []string{"GET", "POST"},
			Target:     config.TargetConfig{Host: "meta", Port: 5001, Protocol: config.ProtocolGRPC},
		},
		{
			RouteName:  "web-app",
			Host:       "app.example.com",
			PathPrefix: "/",
			Target:     config.TargetConfig{Host: "web", Port: 8081, Protocol: config.ProtocolHTTP1},
		},
		{
			RouteName:  "catch-all",
			PathPrefix: "/",
			Target:     config.TargetConfig{Host: "static", Port: 8082, Protocol: config.ProtocolHTTP1},
		},
	}
	cfg.Redirect = []config.Redirect{
		{Source: "^/$", Target: "/app/", Status: 302},
	}
	cfg.Rewrite = []config.Rewrite{
		{Source: "^/api/meta/(.*)$", Target: "/trac-meta/api/$1"},
	}
	return cfg
}

func TestLookupFirstMatchWins(t *testing.T) {
	table := NewTable(testConfig())

	m, _, ok := table.Lookup("localhost:8080", "/tracdap.api.TracMetadataApi/ReadObject", "POST")
	if !ok {
		t.Fatal("expected match")
	}
	if m.Route.Name != "metadata" {
		t.Errorf("route = %s, want metadata", m.Route.Name)
	}

	// The catch-all would also match; declared order decides.
	m, _, ok = table.Lookup("localhost", "/trac-meta/api/v1/acme/search", "POST")
	if !ok || m.Route.Name != "meta-rest" {
		t.Errorf("route = %v", m)
	}

	m, _, ok = table.Lookup("localhost", "/index.html", "GET")
	if !ok || m.Route.Name != "catch-all" {
		t.Errorf("route = %v", m)
	}
}

func TestLookupHostMatching(t *testing.T) {
	table := NewTable(testConfig())

	m, _, ok := table.Lookup("app.example.com:443", "/index.html", "GET")
	if !ok || m.Route.Name != "web-app" {
		t.Errorf("route = %v", m)
	}

	// Other hosts fall through to the catch-all.
	m, _, ok = table.Lookup("other.example.com", "/index.html", "GET")
	if !ok || m.Route.Name != "catch-all" {
		t.Errorf("route = %v", m)
	}
}

func TestLookupMethodNotAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.Routes = cfg.Routes[:3] // drop the catch-alls
	table := NewTable(cfg)

	_, allow, ok := table.Lookup("localhost", "/trac-meta/api/v1/acme/search", "DELETE")
	if ok {
		t.Fatal("DELETE should not match")
	}
	if len(allow) != 2 {
		t.Errorf("allow = %v, want GET and POST", allow)
	}

	// Unknown path reports no allowed methods at all.
	_, allow, ok = table.Lookup("localhost", "/nowhere", "GET")
	if ok || len(allow) != 0 {
		t.Errorf("ok=%v allow=%v", ok, allow)
	}
}

func TestBulkDataFlag(t *testing.T) {
	table := NewTable(testConfig())

	m, _, _ := table.Lookup("localhost", "/tracdap.api.TracDataApi/createSmallDataset", "POST")
	if !m.Route.BulkData {
		t.Error("data route should be flagged BulkData")
	}

	m, _, _ = table.Lookup("localhost", "/tracdap.api.TracMetadataApi/ReadObject", "POST")
	if m.Route.BulkData {
		t.Error("metadata route should not be flagged BulkData")
	}
}

func TestRedirectAndRewrite(t *testing.T) {
	table := NewTable(testConfig())

	target, status, ok := table.Redirect("/")
	if !ok || target != "/app/" || status != 302 {
		t.Errorf("redirect = %q %d %v", target, status, ok)
	}
	if _, _, ok := table.Redirect("/app/index.html"); ok {
		t.Error("unexpected redirect")
	}

	if got := table.Rewrite("/api/meta/v1/acme/search"); got != "/trac-meta/api/v1/acme/search" {
		t.Errorf("rewrite = %q", got)
	}
	if got := table.Rewrite("/untouched"); got != "/untouched" {
		t.Errorf("rewrite = %q", got)
	}
}
