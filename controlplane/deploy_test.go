package controlplane

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/magnetar/runtime/controlplane/civo"
	"github.com/magnetar/runtime/controlplane/store"
)

// mockNodeServer stands in for a runtime node's admin deploy endpoint.
type mockNodeServer struct {
	*httptest.Server
}

func newMockNodeServer(t *testing.T, deployCount *int) *mockNodeServer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*deployCount++
		w.WriteHeader(http.StatusOK)
	}))
	return &mockNodeServer{Server: srv}
}

// hostPort returns the loopback ip and port the mock server is listening on.
func (m *mockNodeServer) hostPort() (string, int64) {
	host, portStr, err := net.SplitHostPort(m.Listener.Addr().String())
	if err != nil {
		panic(err)
	}
	port, err := strconv.ParseInt(portStr, 10, 64)
	if err != nil {
		panic(err)
	}
	return host, port
}

// fakeStore is an in-memory stand-in for *store.Store used to unit test the
// deploy pipeline without a real database.
type fakeStore struct {
	users map[string]*store.User
	apps  map[string]*store.App
	nodes map[string]*store.Node
	keys  map[string]string // key hash -> user id
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]*store.User{},
		apps:  map[string]*store.App{},
		nodes: map[string]*store.Node{},
		keys:  map[string]string{},
	}
}

// StoreAPIKeyForTest directly associates a key hash with a user, bypassing
// whatever name StoreAPIKey would otherwise record.
func (f *fakeStore) StoreAPIKeyForTest(keyHash, userID string) {
	f.keys[keyHash] = userID
}

func (f *fakeStore) CreateUser(id, email string) (*store.User, error) {
	u := &store.User{ID: id, Email: email, Tier: "free"}
	f.users[id] = u
	return u, nil
}
func (f *fakeStore) GetUser(id string) (*store.User, error) { return f.users[id], nil }
func (f *fakeStore) GetUserByEmail(email string) (*store.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}
func (f *fakeStore) StoreAPIKey(keyHash, userID, name string) error {
	f.keys[keyHash] = userID
	return nil
}
func (f *fakeStore) GetUserByKeyHash(keyHash string) (*store.User, error) {
	userID, ok := f.keys[keyHash]
	if !ok {
		return nil, nil
	}
	return f.users[userID], nil
}

func (f *fakeStore) CreateApp(id, name, userID, nodeID string) (*store.App, error) {
	a := &store.App{ID: id, Name: name, UserID: userID, NodeID: nodeID}
	f.apps[id] = a
	return a, nil
}
func (f *fakeStore) GetApp(id string) (*store.App, error) { return f.apps[id], nil }
func (f *fakeStore) GetAppByName(name string) (*store.App, error) {
	for _, a := range f.apps {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, nil
}
func (f *fakeStore) ListAppsForUser(userID string) ([]store.App, error) {
	var out []store.App
	for _, a := range f.apps {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}
func (f *fakeStore) ListAppsOnNode(nodeID string) ([]store.App, error) {
	var out []store.App
	for _, a := range f.apps {
		if a.NodeID == nodeID {
			out = append(out, *a)
		}
	}
	return out, nil
}
func (f *fakeStore) UpdateAppNode(appID, nodeID string) error {
	f.apps[appID].NodeID = nodeID
	return nil
}
func (f *fakeStore) DeleteApp(appID string) error { delete(f.apps, appID); return nil }
func (f *fakeStore) CountAppsForUser(userID string) (int64, error) {
	var n int64
	for _, a := range f.apps {
		if a.UserID == userID {
			n++
		}
	}
	return n, nil
}
func (f *fakeStore) ResolveSubdomain(subdomain string) (*store.App, *store.Node, error) {
	for _, a := range f.apps {
		if a.ID == subdomain || a.Name == subdomain {
			return a, f.nodes[a.NodeID], nil
		}
	}
	return nil, nil, nil
}

func (f *fakeStore) CreateNode(id, ip string, port int64, region, civoInstanceID string) (*store.Node, error) {
	n := &store.Node{ID: id, IP: ip, Port: port, Region: region, Status: "active", MaxApps: 300, CivoInstanceID: civoInstanceID}
	f.nodes[id] = n
	return n, nil
}
func (f *fakeStore) GetNode(id string) (*store.Node, error) { return f.nodes[id], nil }
func (f *fakeStore) ListNodes() ([]store.Node, error) {
	var out []store.Node
	for _, n := range f.nodes {
		out = append(out, *n)
	}
	return out, nil
}
func (f *fakeStore) SelectNode() (*store.Node, error) {
	for _, n := range f.nodes {
		if n.Status == "active" && n.AppCount < n.MaxApps {
			return n, nil
		}
	}
	return nil, nil
}
func (f *fakeStore) IncrementNodeAppCount(nodeID string) error {
	f.nodes[nodeID].AppCount++
	return nil
}
func (f *fakeStore) DecrementNodeAppCount(nodeID string) error {
	if f.nodes[nodeID].AppCount > 0 {
		f.nodes[nodeID].AppCount--
	}
	return nil
}
func (f *fakeStore) UpdateNodeStatus(nodeID, status string) error {
	f.nodes[nodeID].Status = status
	return nil
}
func (f *fakeStore) DeleteNode(nodeID string) error { delete(f.nodes, nodeID); return nil }

// fakeCivo is a stand-in provisioner that never actually reaches Civo.
type fakeCivo struct {
	configured bool
	provision  func(ctx context.Context, hostname, region string) (*civo.Instance, error)
}

func (c *fakeCivo) IsConfigured() bool { return c.configured }
func (c *fakeCivo) Provision(ctx context.Context, hostname, region string) (*civo.Instance, error) {
	return c.provision(ctx, hostname, region)
}
func (c *fakeCivo) WaitUntilReady(ctx context.Context, instanceID string, timeout time.Duration) (*civo.Instance, error) {
	return &civo.Instance{ID: instanceID, Status: "ACTIVE", PublicIP: "10.0.0.9"}, nil
}

func TestDeployRejectsEmptyBundle(t *testing.T) {
	st := newFakeStore()
	st.CreateUser("u1", "a@example.com")
	svc := NewService(st, nil, nil, nil, "magnetar.app", 0)

	_, err := svc.Deploy(context.Background(), "u1", DeployRequest{})
	if err == nil {
		t.Fatalf("expected an error for an empty bundle")
	}
}

func TestDeployRejectsOversizedBundle(t *testing.T) {
	st := newFakeStore()
	st.CreateUser("u1", "a@example.com")
	svc := NewService(st, nil, nil, nil, "magnetar.app", 0)

	_, err := svc.Deploy(context.Background(), "u1", DeployRequest{Bundle: make([]byte, maxBundleBytes+1)})
	if err == nil {
		t.Fatalf("expected an error for an oversized bundle")
	}
}

func TestDeployEnforcesTierLimitAtBoundary(t *testing.T) {
	st := newFakeStore()
	st.CreateUser("u1", "a@example.com") // free tier: max 100 apps
	st.CreateNode("n1", "10.0.0.1", 3003, "LON1", "")

	var deployed int
	mux := newMockNodeServer(t, &deployed)
	defer mux.Close()
	st.nodes["n1"].IP, st.nodes["n1"].Port = mux.hostPort()

	svc := NewService(st, nil, nil, nil, "magnetar.app", 0)

	for i := 0; i < 100; i++ {
		st.CreateApp(fmt.Sprintf("app%d", i), "", "u1", "n1")
	}

	_, err := svc.Deploy(context.Background(), "u1", DeployRequest{Bundle: []byte("x")})
	if err == nil {
		t.Fatalf("expected tier limit to reject the 101st app")
	}
}

func TestDeployAutoProvisionsWhenNoCapacity(t *testing.T) {
	st := newFakeStore()
	st.CreateUser("u1", "a@example.com")

	var deployed int
	mux := newMockNodeServer(t, &deployed)
	defer mux.Close()

	provisionCalled := false
	fc := &fakeCivo{
		configured: true,
		provision: func(ctx context.Context, hostname, region string) (*civo.Instance, error) {
			provisionCalled = true
			return &civo.Instance{ID: "inst1"}, nil
		},
	}

	svc := NewService(st, fc, nil, nil, "magnetar.app", time.Second)
	// Patch WaitUntilReady's returned IP/port to point at our mock server.
	host, port := mux.hostPort()
	svc.civo = &fakeCivoWithAddr{fakeCivo: fc, ip: host}
	svc.nodePort = port

	result, err := svc.Deploy(context.Background(), "u1", DeployRequest{Bundle: []byte("x")})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !provisionCalled {
		t.Fatalf("expected auto-provisioning to run when no node has capacity")
	}
	if result.NodeID == "" {
		t.Fatalf("expected a node id in the deploy result")
	}
	if deployed != 1 {
		t.Fatalf("expected exactly one bundle push to the provisioned node")
	}
}

type fakeCivoWithAddr struct {
	*fakeCivo
	ip string
}

func (c *fakeCivoWithAddr) WaitUntilReady(ctx context.Context, instanceID string, timeout time.Duration) (*civo.Instance, error) {
	return &civo.Instance{ID: instanceID, Status: "ACTIVE", PublicIP: c.ip}, nil
}
