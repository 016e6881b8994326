package provision_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgpanel/internal/models"
	"wgpanel/internal/provision"
	"wgpanel/internal/repo"
	"wgpanel/internal/vpn/wireguard"
)

// fakeGateway считает вызовы и, если задано, падает начиная с failFrom-го.
type fakeGateway struct {
	mu       sync.Mutex
	applied  int
	failFrom int
	err      error
}

func (g *fakeGateway) ApplyPeer(context.Context, *models.Peer, *models.Interface) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applied++
	if g.err != nil && g.applied >= g.failFrom {
		return g.err
	}
	return nil
}

// /29 даёт 5 адресов пула (network, gateway и broadcast исключаются).
func newTestStore(t *testing.T) (*repo.MemStore, *models.Interface) {
	t.Helper()
	st := repo.NewMemStore()
	iface := &models.Interface{
		Name:        "wg0",
		PublicKey:   "SERVERPUBKEY",
		Endpoint:    "vpn.example.com",
		ListenPort:  51820,
		AddressCIDR: "10.10.0.0/29",
	}
	require.NoError(t, st.CreateInterface(context.Background(), iface))
	return st, iface
}

func newEngine(st *repo.MemStore, gw provision.GatewayApplier) *provision.Engine {
	return provision.NewEngine(st, wireguard.Generator{}, gw)
}

func singleRequest(name string) provision.Request {
	return provision.Request{
		Name:                name,
		PublicKey:           "CLIENTPUBKEY",
		PresharedKey:        "CLIENTPSK",
		Mtu:                 1420,
		PersistentKeepalive: 21,
		EndpointAllowedIPs:  "0.0.0.0/0",
	}
}

func availableCount(t *testing.T, st *repo.MemStore, ifaceID uint) int {
	t.Helper()
	n, err := st.AvailableAddressCount(context.Background(), ifaceID)
	require.NoError(t, err)
	return n
}

func TestProvision_SingleClaimsExactlyOneAddress(t *testing.T) {
	ctx := context.Background()
	st, iface := newTestStore(t)
	eng := newEngine(st, &fakeGateway{})

	peers, err := eng.Provision(ctx, singleRequest("alice"), "wg0")
	require.NoError(t, err)
	require.Len(t, peers, 1)

	p := peers[0]
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, models.PeerStatusOnHold, p.Status, "default status")
	assert.Equal(t, "CLIENTPUBKEY", p.PublicKey)
	assert.Empty(t, p.PrivateKey, "caller keeps the private key in single mode")
	require.Len(t, p.AllowedIPs, 1)

	assert.Equal(t, 4, availableCount(t, st, iface.ID))
	_, total, err := st.FilterPeers(ctx, "wg0", "", 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestProvision_SingleDuplicateName(t *testing.T) {
	ctx := context.Background()
	st, iface := newTestStore(t)
	eng := newEngine(st, &fakeGateway{})

	_, err := eng.Provision(ctx, singleRequest("alice"), "wg0")
	require.NoError(t, err)

	_, err = eng.Provision(ctx, singleRequest("alice"), "wg0")
	require.ErrorIs(t, err, provision.ErrDuplicateName)
	assert.Equal(t, 4, availableCount(t, st, iface.ID), "failed request must not leak an address")
}

func TestProvision_SingleExplicitAddressRace(t *testing.T) {
	ctx := context.Background()
	st, iface := newTestStore(t)
	eng := newEngine(st, &fakeGateway{})

	// занимаем первый адрес пула
	first, err := eng.Provision(ctx, singleRequest("alice"), "wg0")
	require.NoError(t, err)

	req := singleRequest("bob")
	req.AllowedIPs = []string{first[0].AllowedIPs[0]}
	_, err = eng.Provision(ctx, req, "wg0")
	require.ErrorIs(t, err, provision.ErrAddressUnavailable)
	assert.Equal(t, 4, availableCount(t, st, iface.ID))
}

func TestProvision_InterfaceNotFound(t *testing.T) {
	st, _ := newTestStore(t)
	eng := newEngine(st, &fakeGateway{})

	_, err := eng.Provision(context.Background(), singleRequest("alice"), "wg9")
	require.ErrorIs(t, err, provision.ErrInterfaceNotFound)
}

func TestProvision_BulkCreatesDistinctPeers(t *testing.T) {
	ctx := context.Background()
	st, iface := newTestStore(t)
	eng := newEngine(st, &fakeGateway{})

	peers, err := eng.Provision(ctx, provision.Request{Bulk: true, Count: 3, Mtu: 1420}, "wg0")
	require.NoError(t, err)
	require.Len(t, peers, 3)

	seenIP := map[string]bool{}
	seenName := map[string]bool{}
	for _, p := range peers {
		require.Len(t, p.AllowedIPs, 1)
		assert.False(t, seenIP[p.AllowedIPs[0]], "address %s bound twice", p.AllowedIPs[0])
		assert.False(t, seenName[p.Name], "name %s used twice", p.Name)
		seenIP[p.AllowedIPs[0]] = true
		seenName[p.Name] = true

		// bulk-пиры получают сгенерированную идентичность целиком
		assert.NotEmpty(t, p.PublicKey)
		assert.NotEmpty(t, p.PrivateKey)
		assert.NotEmpty(t, p.PresharedKey)
		assert.Equal(t, 1420, p.Mtu, "bulk rows carry the full attribute set")
	}
	assert.Equal(t, 2, availableCount(t, st, iface.ID))
}

func TestProvision_BulkPoolExhaustedCreatesNothing(t *testing.T) {
	ctx := context.Background()
	st, iface := newTestStore(t)
	eng := newEngine(st, &fakeGateway{})

	_, err := eng.Provision(ctx, provision.Request{Bulk: true, Count: 6}, "wg0")
	require.ErrorIs(t, err, provision.ErrPoolExhausted)

	assert.Equal(t, 5, availableCount(t, st, iface.ID))
	_, total, err := st.FilterPeers(ctx, "wg0", "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total, "partial bulk success is not permitted")
}

func TestProvision_GatewayFailureRollsBackTheBatch(t *testing.T) {
	ctx := context.Background()
	st, iface := newTestStore(t)
	gw := &fakeGateway{failFrom: 2, err: errors.New("netlink: no such device")}
	eng := newEngine(st, gw)

	_, err := eng.Provision(ctx, provision.Request{Bulk: true, Count: 3}, "wg0")
	require.ErrorIs(t, err, provision.ErrGatewayApply)

	assert.Equal(t, 5, availableCount(t, st, iface.ID), "claimed addresses must be released by rollback")
	_, total, err := st.FilterPeers(ctx, "wg0", "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestProvision_BulkCountValidation(t *testing.T) {
	st, _ := newTestStore(t)
	eng := newEngine(st, &fakeGateway{})

	_, err := eng.Provision(context.Background(), provision.Request{Bulk: true, Count: 0}, "wg0")
	require.Error(t, err)
}

// Пул из 5 адресов, 12 конкурентных запросов: ровно 5 успехов, ни один адрес
// не достаётся двум пирам.
func TestProvision_ConcurrentRequestsNeverDoubleAllocate(t *testing.T) {
	ctx := context.Background()
	st, iface := newTestStore(t)
	eng := newEngine(st, &fakeGateway{})

	const attempts = 12
	results := make(chan []models.Peer, attempts)
	failures := make(chan error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peers, err := eng.Provision(ctx, singleRequest(fmt.Sprintf("peer-%02d", i)), "wg0")
			if err != nil {
				failures <- err
				return
			}
			results <- peers
		}(i)
	}
	wg.Wait()
	close(results)
	close(failures)

	seen := map[string]bool{}
	ok := 0
	for peers := range results {
		require.Len(t, peers, 1)
		ip := peers[0].AllowedIPs[0]
		require.False(t, seen[ip], "address %s allocated twice", ip)
		seen[ip] = true
		ok++
	}
	assert.Equal(t, 5, ok, "exactly the pool size succeeds")

	for err := range failures {
		assert.ErrorIs(t, err, provision.ErrPoolExhausted)
	}
	assert.Equal(t, 0, availableCount(t, st, iface.ID))
}
