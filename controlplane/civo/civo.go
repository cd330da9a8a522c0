// Package civo wraps the subset of the Civo compute API the control plane
// needs to auto-provision new nodes: instance creation, readiness polling,
// and teardown. Ported method-for-method from
// original_source/.../magnetic-control-plane/src/civo.rs — plain compute
// instances rather than a K3s cluster, since each node only ever runs one
// runtime binary and needs no container orchestration.
package civo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/magnetar/runtime/apperror"
)

const apiBase = "https://api.civo.com/v2"

// initScript bootstraps a fresh Ubuntu instance into a running node: fetches
// the platform binary, lays down its data directory, and installs a systemd
// unit so the node survives reboots.
const initScript = `#!/bin/bash
set -euo pipefail

ARCH=$(uname -m)
case "$ARCH" in
  x86_64)  TARGET="x86_64-unknown-linux-gnu" ;;
  aarch64) TARGET="aarch64-unknown-linux-gnu" ;;
  *)       echo "Unsupported arch: $ARCH"; exit 1 ;;
esac

RELEASE_URL="https://github.com/magnetar-platform/magnetar/releases/latest/download/magnetar-node-${TARGET}"
curl -fsSL "$RELEASE_URL" -o /usr/local/bin/magnetar-node
chmod +x /usr/local/bin/magnetar-node

mkdir -p /var/lib/magnetar/apps

cat > /etc/systemd/system/magnetar-node.service << 'EOF'
[Unit]
Description=Magnetar Runtime Node
After=network.target

[Service]
Type=simple
Environment=PORT=3003
Environment=MAGNETAR_DATA_DIR=/var/lib/magnetar/apps
ExecStart=/usr/local/bin/magnetar-node
Restart=always
RestartSec=2
LimitNOFILE=65535

[Install]
WantedBy=multi-user.target
EOF

systemctl daemon-reload
systemctl enable magnetar-node
systemctl start magnetar-node
`

// Instance is the subset of a Civo compute instance the control plane cares
// about.
type Instance struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	PublicIP string `json:"public_ip"`
	Status   string `json:"status"`
	Region   string `json:"region"`
}

type listResponse struct {
	Items []Instance `json:"items"`
}

type diskImage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client talks to the Civo API on behalf of the control plane.
type Client struct {
	http    *http.Client
	apiKey  string
	baseURL string
}

// New builds a Client. An empty apiKey means auto-provisioning is disabled
// (IsConfigured reports false).
func New(httpClient *http.Client, apiKey string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, apiKey: apiKey, baseURL: apiBase}
}

// IsConfigured reports whether an API key is present.
func (c *Client) IsConfigured() bool { return c.apiKey != "" }

// Provision creates a new instance sized g3.medium (2 vCPU / 4GB RAM — holds
// roughly 300 warm isolates) running the platform bootstrap script.
func (c *Client) Provision(ctx context.Context, hostname, region string) (*Instance, error) {
	if !c.IsConfigured() {
		return nil, apperror.New(apperror.Internal, "civo: API key not configured")
	}
	regionLower := strings.ToLower(region)

	templateID, err := c.findUbuntuTemplate(ctx, regionLower)
	if err != nil {
		return nil, err
	}

	scriptB64 := base64.StdEncoding.EncodeToString([]byte(initScript))

	form := url.Values{}
	form.Set("hostname", hostname)
	form.Set("size", "g3.medium")
	form.Set("template_id", templateID)
	form.Set("region", regionLower)
	form.Set("script", scriptB64)
	form.Set("count", "1")
	form.Set("public_ip", "create")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/instances", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	var inst Instance
	if err := c.doJSON(req, &inst); err != nil {
		return nil, fmt.Errorf("civo: create instance: %w", err)
	}
	return &inst, nil
}

// WaitUntilReady polls GetInstance until the instance is ACTIVE with a
// public IP, or timeout elapses.
func (c *Client) WaitUntilReady(ctx context.Context, instanceID string, timeout time.Duration) (*Instance, error) {
	deadline := time.Now().Add(timeout)
	for {
		if time.Now().After(deadline) {
			return nil, apperror.New(apperror.Upstream, fmt.Sprintf("civo: instance %s not ready after %s", instanceID, timeout))
		}

		inst, err := c.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status == "ACTIVE" && inst.PublicIP != "" {
			return inst, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// GetInstance fetches a single instance's current state.
func (c *Client) GetInstance(ctx context.Context, id string) (*Instance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/instances/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	var inst Instance
	if err := c.doJSON(req, &inst); err != nil {
		return nil, fmt.Errorf("civo: get instance: %w", err)
	}
	return &inst, nil
}

// DestroyInstance tears down an instance by id.
func (c *Client) DestroyInstance(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/instances/"+id, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperror.Wrap(apperror.Upstream, "civo: destroy instance", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return apperror.New(apperror.Upstream, fmt.Sprintf("civo: destroy instance: %d %s", resp.StatusCode, body))
	}
	return nil
}

// ListInstances returns every instance on the account.
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/instances", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	var list listResponse
	if err := c.doJSON(req, &list); err != nil {
		return nil, fmt.Errorf("civo: list instances: %w", err)
	}
	return list.Items, nil
}

func (c *Client) findUbuntuTemplate(ctx context.Context, region string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/disk_images?region="+url.QueryEscape(region), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	// disk_images returns a bare array, not an { items: [...] } envelope.
	var images []diskImage
	if err := c.doJSON(req, &images); err != nil {
		return "", fmt.Errorf("civo: list disk images: %w", err)
	}

	for _, img := range images {
		if strings.Contains(img.Name, "ubuntu-jammy") {
			return img.ID, nil
		}
	}
	for _, img := range images {
		if strings.Contains(strings.ToLower(img.Name), "ubuntu") {
			return img.ID, nil
		}
	}
	return "", apperror.New(apperror.Upstream, "civo: no Ubuntu disk image found")
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return apperror.Wrap(apperror.Upstream, "civo request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperror.Wrap(apperror.Upstream, "civo: read response", err)
	}
	if resp.StatusCode/100 != 2 {
		return apperror.New(apperror.Upstream, fmt.Sprintf("civo: %d %s", resp.StatusCode, body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		max := len(body)
		if max > 200 {
			max = 200
		}
		return apperror.Wrap(apperror.Upstream, fmt.Sprintf("civo: parse response: %s", body[:max]), err)
	}
	return nil
}
