// Package controlplane is the fleet manager: it accepts deploy requests,
// schedules apps onto runtime nodes (auto-provisioning capacity via Civo
// when needed), and keeps a Caddy-style edge router's routing table in sync
// with the durable store. Ported from
// original_source/.../magnetic-control-plane's Axum server, db, auth, civo,
// and caddy modules.
package controlplane

import (
	"context"
	"net/http"
	"time"

	"github.com/magnetar/runtime/cluster"
	"github.com/magnetar/runtime/controlplane/civo"
	"github.com/magnetar/runtime/controlplane/store"
)

// dataStore is the subset of *store.Store the service depends on, kept as an
// interface so tests can substitute an in-memory fake.
type dataStore interface {
	CreateUser(id, email string) (*store.User, error)
	GetUser(id string) (*store.User, error)
	GetUserByEmail(email string) (*store.User, error)
	StoreAPIKey(keyHash, userID, name string) error
	GetUserByKeyHash(keyHash string) (*store.User, error)

	CreateApp(id, name, userID, nodeID string) (*store.App, error)
	GetApp(id string) (*store.App, error)
	GetAppByName(name string) (*store.App, error)
	ListAppsForUser(userID string) ([]store.App, error)
	ListAppsOnNode(nodeID string) ([]store.App, error)
	UpdateAppNode(appID, nodeID string) error
	DeleteApp(appID string) error
	CountAppsForUser(userID string) (int64, error)
	ResolveSubdomain(subdomain string) (*store.App, *store.Node, error)

	CreateNode(id, ip string, port int64, region, civoInstanceID string) (*store.Node, error)
	GetNode(id string) (*store.Node, error)
	ListNodes() ([]store.Node, error)
	SelectNode() (*store.Node, error)
	IncrementNodeAppCount(nodeID string) error
	DecrementNodeAppCount(nodeID string) error
	UpdateNodeStatus(nodeID, status string) error
	DeleteNode(nodeID string) error
}

// provisioner is the subset of *civo.Client the service depends on.
type provisioner interface {
	IsConfigured() bool
	Provision(ctx context.Context, hostname, region string) (*civo.Instance, error)
	WaitUntilReady(ctx context.Context, instanceID string, timeout time.Duration) (*civo.Instance, error)
}

// router is the subset of *edgerouter.Manager the service depends on.
type router interface {
	AddApp(ctx context.Context, st interface {
		ListNodes() ([]store.Node, error)
		ListAppsOnNode(nodeID string) ([]store.App, error)
	}) error
	RemoveApp(ctx context.Context, st interface {
		ListNodes() ([]store.Node, error)
		ListAppsOnNode(nodeID string) ([]store.App, error)
	}) error
}

// Service is the control plane's core orchestration logic, independent of
// HTTP transport so it can be unit tested directly.
type Service struct {
	store            dataStore
	civo             provisioner
	edge             router
	http             *http.Client
	domain           string
	provisionTimeout time.Duration

	// nodePort is the port newly provisioned nodes are assumed to listen
	// on. Every node image installs the runtime's systemd unit bound to
	// 3003; tests override this to point at a local stub.
	nodePort int64

	// provisionLock serializes auto-provisioning per region so two deploys
	// racing on an empty region don't both decide capacity is missing and
	// each provision their own node.
	provisionLock *cluster.InMemoryLock
}

// NewService wires a Service from its dependencies. civo and edge may be
// nil: auto-provisioning and edge-router sync are then simply skipped.
func NewService(st dataStore, civoClient provisioner, edge router, httpClient *http.Client, domain string, provisionTimeout time.Duration) *Service {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if provisionTimeout == 0 {
		provisionTimeout = 5 * time.Minute
	}
	return &Service{
		store: st, civo: civoClient, edge: edge, http: httpClient,
		domain: domain, provisionTimeout: provisionTimeout, nodePort: 3003,
		provisionLock: cluster.NewInMemoryLock(),
	}
}
