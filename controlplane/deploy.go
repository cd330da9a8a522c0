package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/magnetar/runtime/apperror"
	"github.com/magnetar/runtime/controlplane/store"
)

// maxBundleBytes bounds the size of an uploaded app bundle. Ported from
// server.rs's deploy handler.
const maxBundleBytes = 5 * 1024 * 1024

// DeployRequest is the body of POST /api/deploy.
type DeployRequest struct {
	Name   string          `json:"name,omitempty"`
	Bundle []byte          `json:"bundle"`
	Assets json.RawMessage `json:"assets,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// DeployResult is returned to the caller of POST /api/deploy.
type DeployResult struct {
	AppID  string `json:"app_id"`
	NodeID string `json:"node_id"`
	URL    string `json:"url"`
}

// nodeDeployPayload is forwarded to the chosen node's admin deploy endpoint.
type nodeDeployPayload struct {
	Bundle []byte          `json:"bundle"`
	Assets json.RawMessage `json:"assets,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Deploy runs the full scheduling pipeline for a bundle upload: validate
// size and tier limits, detect a redeploy by name, select (or provision) a
// node, push the bundle, and record the result. Ported from server.rs's
// deploy handler.
func (s *Service) Deploy(ctx context.Context, userID string, req DeployRequest) (*DeployResult, error) {
	if len(req.Bundle) == 0 {
		return nil, apperror.New(apperror.BadRequest, "bundle is empty")
	}
	if len(req.Bundle) > maxBundleBytes {
		return nil, apperror.New(apperror.BadRequest, "bundle exceeds 5MB limit")
	}

	user, err := s.store.GetUser(userID)
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, "look up user", err)
	}
	if user == nil {
		return nil, apperror.New(apperror.Unauthorized, "unknown user")
	}
	limits := TierLimitsFor(user.Tier)

	var existing *store.App
	if req.Name != "" {
		existing, err = s.store.GetAppByName(req.Name)
		if err != nil {
			return nil, apperror.Wrap(apperror.Database, "look up existing app", err)
		}
		if existing != nil && existing.UserID != userID {
			return nil, apperror.New(apperror.Forbidden, "app name already taken")
		}
	}

	if existing == nil {
		count, err := s.store.CountAppsForUser(userID)
		if err != nil {
			return nil, apperror.Wrap(apperror.Database, "count apps for user", err)
		}
		if count >= limits.MaxApps {
			return nil, apperror.New(apperror.Forbidden, fmt.Sprintf("tier limit reached (%d apps)", limits.MaxApps))
		}
	}

	node, err := s.selectOrProvisionNode(ctx)
	if err != nil {
		return nil, err
	}

	appID := ""
	if existing != nil {
		appID = existing.ID
	} else {
		appID, err = GenerateID(8)
		if err != nil {
			return nil, apperror.Wrap(apperror.Internal, "generate app id", err)
		}
	}

	if err := s.pushToNode(ctx, node, appID, req); err != nil {
		return nil, err
	}

	if existing != nil {
		// Redeploy: the app moves to node, but the previous node's counter is
		// deliberately left untouched here — see DESIGN.md for the reasoning.
		if err := s.store.UpdateAppNode(appID, node.ID); err != nil {
			return nil, apperror.Wrap(apperror.Database, "update app node", err)
		}
	} else {
		if _, err := s.store.CreateApp(appID, req.Name, userID, node.ID); err != nil {
			return nil, apperror.Wrap(apperror.Database, "create app", err)
		}
		if err := s.store.IncrementNodeAppCount(node.ID); err != nil {
			return nil, apperror.Wrap(apperror.Database, "increment node app count", err)
		}
	}

	if s.edge != nil {
		_ = s.edge.AddApp(ctx, s.store)
	}

	subdomain := appID
	if req.Name != "" {
		subdomain = req.Name
	}
	return &DeployResult{
		AppID:  appID,
		NodeID: node.ID,
		URL:    fmt.Sprintf("https://%s.%s", subdomain, s.domain),
	}, nil
}

// selectOrProvisionNode picks a node with spare capacity, auto-provisioning
// one via civo when none qualify and auto-provisioning is configured.
func (s *Service) selectOrProvisionNode(ctx context.Context) (*store.Node, error) {
	node, err := s.store.SelectNode()
	if err != nil {
		return nil, apperror.Wrap(apperror.Database, "select node", err)
	}
	if node != nil {
		return node, nil
	}
	if s.civo == nil || !s.civo.IsConfigured() {
		return nil, apperror.New(apperror.Upstream, "no node capacity and auto-provisioning is not configured")
	}

	const region = "LON1"
	// Serialize provisioning per region: two deploys racing on an empty
	// region would otherwise both observe zero capacity and each provision
	// their own node.
	if err := s.provisionLock.Lock(ctx, region); err != nil {
		return nil, apperror.Wrap(apperror.Upstream, "acquire provision lock", err)
	}
	defer s.provisionLock.Unlock(region)

	// Re-check now that we hold the lock: a racing deploy may have already
	// provisioned capacity while we were waiting.
	if node, err := s.store.SelectNode(); err == nil && node != nil {
		return node, nil
	}
	return s.provisionNode(ctx, region)
}

// provisionNode creates a new Civo instance, waits for it to come up, and
// records it as a node row.
func (s *Service) provisionNode(ctx context.Context, region string) (*store.Node, error) {
	suffix, err := GenerateID(6)
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, "generate hostname suffix", err)
	}
	hostname := "magnetar-node-" + suffix

	inst, err := s.civo.Provision(ctx, hostname, region)
	if err != nil {
		return nil, err
	}

	ready, err := s.civo.WaitUntilReady(ctx, inst.ID, s.provisionTimeout)
	if err != nil {
		return nil, err
	}

	nodeID, err := GenerateID(8)
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, "generate node id", err)
	}
	return s.store.CreateNode(nodeID, ready.PublicIP, s.nodePort, region, ready.ID)
}

// pushToNode forwards the bundle to a node's admin deploy endpoint.
func (s *Service) pushToNode(ctx context.Context, node *store.Node, appID string, req DeployRequest) error {
	body, err := json.Marshal(nodeDeployPayload{Bundle: req.Bundle, Assets: req.Assets, Config: req.Config})
	if err != nil {
		return apperror.Wrap(apperror.Internal, "marshal deploy payload", err)
	}

	url := fmt.Sprintf("http://%s:%d/api/apps/%s/deploy", node.IP, node.Port, appID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperror.Wrap(apperror.Internal, "build node deploy request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return apperror.Wrap(apperror.Upstream, "reach node "+node.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return apperror.New(apperror.Upstream, fmt.Sprintf("node %s rejected deploy: %d %s", node.ID, resp.StatusCode, respBody))
	}
	return nil
}
