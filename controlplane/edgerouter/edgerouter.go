// Package edgerouter pushes the control plane's routing table to a
// Caddy-style edge router via its admin API. Ported from
// original_source/.../magnetic-control-plane/src/caddy.rs: every sync
// rebuilds the entire config from current store state and POSTs it to
// /load, rather than computing an incremental diff — a full rebuild is
// atomic and Caddy's config loads are fast enough that this scales fine.
package edgerouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/magnetar/runtime/controlplane/store"
)

// Manager pushes routing config to a Caddy admin API.
type Manager struct {
	http             *http.Client
	adminURL         string
	domain           string
	controlPlanePort int
}

// New builds a Manager targeting adminURL (e.g. http://localhost:2019).
func New(httpClient *http.Client, adminURL, domain string, controlPlanePort int) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{http: httpClient, adminURL: adminURL, domain: domain, controlPlanePort: controlPlanePort}
}

// Store is the subset of store.Store the router needs to rebuild its config.
type Store interface {
	ListNodes() ([]store.Node, error)
	ListAppsOnNode(nodeID string) ([]store.App, error)
}

// SyncRoutes rebuilds the full route table from st and pushes it to Caddy.
func (m *Manager) SyncRoutes(ctx context.Context, st Store) error {
	nodes, err := st.ListNodes()
	if err != nil {
		return fmt.Errorf("edgerouter: list nodes: %w", err)
	}

	var appRoutes []map[string]any
	for _, n := range nodes {
		apps, err := st.ListAppsOnNode(n.ID)
		if err != nil {
			return fmt.Errorf("edgerouter: list apps on node %s: %w", n.ID, err)
		}
		for _, a := range apps {
			appRoutes = append(appRoutes, m.appRouteEntries(a, n)...)
		}
	}

	return m.pushConfig(ctx, m.buildConfig(appRoutes))
}

// AddApp pushes routes after a single app deploy. A full rebuild is simpler
// and atomic, so it just calls SyncRoutes.
func (m *Manager) AddApp(ctx context.Context, st Store) error { return m.SyncRoutes(ctx, st) }

// RemoveApp pushes routes after an app deletion. Same full-rebuild strategy.
func (m *Manager) RemoveApp(ctx context.Context, st Store) error { return m.SyncRoutes(ctx, st) }

func (m *Manager) appRouteEntries(app store.App, node store.Node) []map[string]any {
	upstream := fmt.Sprintf("%s:%d", node.IP, node.Port)
	entries := make([]map[string]any, 0, 2)
	entries = append(entries, m.makeRoute(app.ID, upstream))
	if app.Name != "" {
		entries = append(entries, m.makeRoute(app.Name, upstream))
	}
	return entries
}

func (m *Manager) makeRoute(subdomain, upstream string) map[string]any {
	host := subdomain + "." + m.domain
	return map[string]any{
		"match": []map[string]any{{"host": []string{host}}},
		"handle": []map[string]any{
			{
				"handler": "rewrite",
				"uri":     fmt.Sprintf("/apps/%s{http.request.uri}", subdomain),
			},
			{
				"handler":   "reverse_proxy",
				"upstreams": []map[string]any{{"dial": upstream}},
				"transport": map[string]any{"protocol": "http"},
			},
		},
		"terminal": true,
	}
}

func (m *Manager) buildConfig(appRoutes []map[string]any) map[string]any {
	var routes []map[string]any

	routes = append(routes, map[string]any{
		"match":    []map[string]any{{"host": []string{"api." + m.domain}}},
		"handle":   []map[string]any{{"handler": "reverse_proxy", "upstreams": []map[string]any{{"dial": fmt.Sprintf("localhost:%d", m.controlPlanePort)}}}},
		"terminal": true,
	})
	routes = append(routes, map[string]any{
		"match":    []map[string]any{{"host": []string{m.domain}}},
		"handle":   []map[string]any{{"handler": "reverse_proxy", "upstreams": []map[string]any{{"dial": fmt.Sprintf("localhost:%d", m.controlPlanePort)}}}},
		"terminal": true,
	})
	routes = append(routes, appRoutes...)
	routes = append(routes, map[string]any{
		"handle": []map[string]any{{
			"handler":     "static_response",
			"status_code": "404",
			"headers":     map[string][]string{"Content-Type": {"application/json"}},
			"body":        `{"error":"app not found"}`,
		}},
	})

	return map[string]any{
		"apps": map[string]any{
			"http": map[string]any{
				"servers": map[string]any{
					"magnetar": map[string]any{
						"listen": []string{":443", ":80"},
						"routes": routes,
					},
				},
			},
		},
	}
}

// pushConfig sends config to Caddy's /load endpoint. Per the original's
// design, a push failure is logged here and never propagated — an app is
// still considered deployed even if the edge router update fails; an
// operator can re-run the sync later.
func (m *Manager) pushConfig(ctx context.Context, config map[string]any) error {
	body, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("edgerouter: marshal config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.adminURL+"/load", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("edgerouter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		log.Printf("edgerouter: push config to %s failed: %v", m.adminURL, err)
		return nil // non-fatal: caddy may be down; caller does not propagate
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		log.Printf("edgerouter: push config to %s rejected: %d", m.adminURL, resp.StatusCode)
	}
	return nil // push failures (non-2xx) are also non-fatal, by design
}

// CheckTLSAllowed is the on_demand_tls ask endpoint's decision function:
// Caddy should only be issued a certificate for subdomains that resolve to
// a known app.
func CheckTLSAllowed(st Store, subdomain string) bool {
	resolver, ok := st.(interface {
		ResolveSubdomain(string) (*store.App, *store.Node, error)
	})
	if !ok {
		return false
	}
	app, node, err := resolver.ResolveSubdomain(subdomain)
	return err == nil && app != nil && node != nil
}
