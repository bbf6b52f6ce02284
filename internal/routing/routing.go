// Package routing implements the gateway routing table. Routes are matched
// in declared order against (host, path, method); the first match wins.
// Matchers are compiled once at startup from validated config.
package routing

import (
	"regexp"
	"strings"

	"github.com/tracdap/gateway/internal/config"
)

// Route is one compiled routing table entry.
type Route struct {
	Name       string
	PathPrefix string
	Target     config.TargetConfig

	GrpcProtocol config.GrpcWireProtocol
	RestServices []string

	// BulkData marks routes serving the data API; the proxy applies larger
	// frame and window settings on these.
	BulkData bool

	hostExact    string
	hostWildcard string // suffix like ".example.com"
	methods      map[string]bool
	configIdx    int
}

// Match is the result of a successful lookup.
type Match struct {
	Route *Route
}

type redirect struct {
	source *regexp.Regexp
	target string
	status int
}

type rewrite struct {
	source *regexp.Regexp
	target string
}

// Table is an immutable compiled routing table.
type Table struct {
	routes    []*Route
	redirects []redirect
	rewrites  []rewrite
}

// NewTable compiles the routing table from validated config. Patterns were
// already checked by the config loader, so compilation here cannot fail.
func NewTable(cfg *config.Config) *Table {
	t := &Table{}

	for i, rc := range cfg.Routes {
		route := &Route{
			Name:         rc.RouteName,
			PathPrefix:   rc.PathPrefix,
			Target:       rc.Target,
			GrpcProtocol: rc.GrpcProtocol,
			RestServices: rc.RestServices,
			configIdx:    i,
		}

		if rc.Host != "" {
			if strings.HasPrefix(rc.Host, "*.") {
				route.hostWildcard = rc.Host[1:]
			} else {
				route.hostExact = rc.Host
			}
		}

		if len(rc.Methods) > 0 {
			route.methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				route.methods[strings.ToUpper(m)] = true
			}
		}

		route.BulkData = servesDataApi(rc, cfg.DataApiName)

		t.routes = append(t.routes, route)
	}

	for _, rd := range cfg.Redirect {
		t.redirects = append(t.redirects, redirect{
			source: regexp.MustCompile(rd.Source),
			target: rd.Target,
			status: rd.Status,
		})
	}

	for _, rw := range cfg.Rewrite {
		t.rewrites = append(t.rewrites, rewrite{
			source: regexp.MustCompile(rw.Source),
			target: rw.Target,
		})
	}

	return t
}

func servesDataApi(rc config.RouteConfig, dataApiName string) bool {
	if dataApiName == "" {
		return false
	}
	if strings.Contains(rc.PathPrefix, dataApiName) {
		return true
	}
	for _, svc := range rc.RestServices {
		if svc == dataApiName {
			return true
		}
	}
	return false
}

// RouteByName returns the compiled route with the given name, or nil.
func (t *Table) RouteByName(name string) *Route {
	for _, route := range t.routes {
		if route.Name == name {
			return route
		}
	}
	return nil
}

// Lookup finds the first route matching host, path and method, in declared
// order. When one or more routes match host and path but not method, the
// second return lists the methods that would have been accepted.
func (t *Table) Lookup(host, path, method string) (*Match, []string, bool) {
	var allow []string
	seen := make(map[string]bool)

	for _, route := range t.routes {
		if !route.matchHost(host) {
			continue
		}
		if !strings.HasPrefix(path, route.PathPrefix) {
			continue
		}
		if route.methods != nil && !route.methods[strings.ToUpper(method)] {
			for m := range route.methods {
				if !seen[m] {
					allow = append(allow, m)
					seen[m] = true
				}
			}
			continue
		}
		return &Match{Route: route}, nil, true
	}

	return nil, allow, false
}

func (route *Route) matchHost(host string) bool {
	if route.hostExact == "" && route.hostWildcard == "" {
		return true
	}

	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}

	if route.hostExact != "" && strings.EqualFold(host, route.hostExact) {
		return true
	}
	if route.hostWildcard != "" && strings.HasSuffix(strings.ToLower(host), strings.ToLower(route.hostWildcard)) {
		return true
	}
	return false
}

// Redirect checks the path against configured redirects. The first matching
// pattern wins; capture groups expand into the target.
func (t *Table) Redirect(path string) (target string, status int, ok bool) {
	for _, rd := range t.redirects {
		if rd.source.MatchString(path) {
			return rd.source.ReplaceAllString(path, rd.target), rd.status, true
		}
	}
	return "", 0, false
}

// Rewrite applies the first matching rewrite to the path, before routing.
func (t *Table) Rewrite(path string) string {
	for _, rw := range t.rewrites {
		if rw.source.MatchString(path) {
			return rw.source.ReplaceAllString(path, rw.target)
		}
	}
	return path
}
