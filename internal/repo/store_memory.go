package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"wgpanel/internal/lifecycle"
	"wgpanel/internal/models"
	"wgpanel/internal/provision"
)

// MemStore — потокобезопасное in-memory хранилище. Используется, когда БД не
// сконфигурирована (database.driver == ""), и в тестах. Transact даёт те же
// гарантии атомарности, что и БД: снапшот до, откат при ошибке.
type MemStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	ifaceSeq uint
	addrSeq  uint
	peerSeq  uint
	ifaces   []models.Interface
	addrs    []models.IPAddress
	peers    []models.Peer
}

func NewMemStore() *MemStore {
	return &MemStore{data: &memData{}}
}

func (d *memData) clone() *memData {
	c := &memData{ifaceSeq: d.ifaceSeq, addrSeq: d.addrSeq, peerSeq: d.peerSeq}
	c.ifaces = append([]models.Interface(nil), d.ifaces...)
	c.addrs = append([]models.IPAddress(nil), d.addrs...)
	c.peers = append([]models.Peer(nil), d.peers...)
	return c
}

// memTx — вид на данные без блокировок; живёт только под мьютексом MemStore.
type memTx struct{ d *memData }

func (m *MemStore) Transact(ctx context.Context, fn func(tx provision.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := m.data.clone()
	if err := fn(&memTx{d: m.data}); err != nil {
		m.data = snap
		return err
	}
	return nil
}

// Вложенный Transact: мьютекс уже наш, просто выполняем.
func (t *memTx) Transact(_ context.Context, fn func(tx provision.Store) error) error {
	return fn(t)
}

// -------- provision.Store --------

func (t *memTx) InterfaceByName(_ context.Context, name string) (*models.Interface, error) {
	for i := range t.d.ifaces {
		if t.d.ifaces[i].Name == name {
			in := t.d.ifaces[i]
			return &in, nil
		}
	}
	return nil, nil
}

func (t *memTx) AvailableAddressCount(_ context.Context, interfaceID uint) (int, error) {
	n := 0
	for i := range t.d.addrs {
		if t.d.addrs[i].InterfaceID == interfaceID && t.d.addrs[i].Available {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ClaimAddresses(_ context.Context, interfaceID uint, count int) ([]models.IPAddress, error) {
	var claimed []models.IPAddress
	for i := range t.d.addrs {
		if len(claimed) == count {
			break
		}
		if t.d.addrs[i].InterfaceID == interfaceID && t.d.addrs[i].Available {
			t.d.addrs[i].Available = false
			claimed = append(claimed, t.d.addrs[i])
		}
	}
	if len(claimed) < count {
		return nil, fmt.Errorf("%w: need %d, have %d", provision.ErrPoolExhausted, count, len(claimed))
	}
	return claimed, nil
}

func (t *memTx) ClaimAddressesByIP(_ context.Context, interfaceID uint, ips []string) error {
	claimed := 0
	for _, ip := range ips {
		for i := range t.d.addrs {
			a := &t.d.addrs[i]
			if a.InterfaceID == interfaceID && a.IP == ip && a.Available {
				a.Available = false
				claimed++
				break
			}
		}
	}
	if claimed != len(ips) {
		return fmt.Errorf("%w: claimed %d of %d", provision.ErrAddressUnavailable, claimed, len(ips))
	}
	return nil
}

func (t *memTx) PeerNameTaken(_ context.Context, name string) (bool, error) {
	for i := range t.d.peers {
		if t.d.peers[i].Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CreatePeer(_ context.Context, peer *models.Peer) error {
	for i := range t.d.peers {
		if t.d.peers[i].Name == peer.Name {
			return fmt.Errorf("peer name %q already exists", peer.Name)
		}
	}
	t.d.peerSeq++
	peer.ID = t.d.peerSeq
	t.d.peers = append(t.d.peers, *peer)
	return nil
}

// -------- интерфейсы и пул --------

func (t *memTx) CreateInterface(_ context.Context, in *models.Interface) error {
	for i := range t.d.ifaces {
		if t.d.ifaces[i].Name == in.Name {
			return fmt.Errorf("interface name %q already exists", in.Name)
		}
	}
	t.d.ifaceSeq++
	in.ID = t.d.ifaceSeq
	addrs, err := poolFromCIDR(in.AddressCIDR, in.ID)
	if err != nil {
		return err
	}
	t.d.ifaces = append(t.d.ifaces, *in)
	for i := range addrs {
		t.d.addrSeq++
		addrs[i].ID = t.d.addrSeq
		t.d.addrs = append(t.d.addrs, addrs[i])
	}
	return nil
}

// -------- выборки и административные операции --------

func (t *memTx) FilterPeers(_ context.Context, interfaceName, name string, take, skip int) ([]models.Peer, int64, error) {
	var iface *models.Interface
	for i := range t.d.ifaces {
		if t.d.ifaces[i].Name == interfaceName {
			iface = &t.d.ifaces[i]
			break
		}
	}
	if iface == nil {
		return nil, 0, nil
	}

	sub := strings.ToLower(name)
	var matched []models.Peer
	for i := range t.d.peers {
		p := t.d.peers[i]
		if p.InterfaceID != iface.ID {
			continue
		}
		if sub != "" && !strings.Contains(strings.ToLower(p.Name), sub) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := int64(len(matched))
	if skip > len(matched) {
		skip = len(matched)
	}
	matched = matched[skip:]
	if take > 0 && take < len(matched) {
		matched = matched[:take]
	}
	return matched, total, nil
}

func (t *memTx) PeerConfigByName(_ context.Context, name string) (*models.Peer, *models.Interface, error) {
	for i := range t.d.peers {
		if t.d.peers[i].Name != name {
			continue
		}
		p := t.d.peers[i]
		for j := range t.d.ifaces {
			if t.d.ifaces[j].ID == p.InterfaceID {
				in := t.d.ifaces[j]
				return &p, &in, nil
			}
		}
		return nil, nil, fmt.Errorf("interface %d for peer %q is missing", p.InterfaceID, name)
	}
	return nil, nil, ErrNotFound
}

func (t *memTx) UpdatePeerStatus(_ context.Context, name string, status models.PeerStatus) error {
	for i := range t.d.peers {
		if t.d.peers[i].Name == name {
			t.d.peers[i].Status = status
			return nil
		}
	}
	return ErrNotFound
}

// -------- реконсайлер --------

func (t *memTx) TransitionCandidates(_ context.Context, now int64) ([]models.Peer, error) {
	var out []models.Peer
	for i := range t.d.peers {
		p := t.d.peers[i]
		overBudget := p.TotalVolume > 0 && p.TotalReceivedVolume > p.TotalVolume
		expirable := p.Status == models.PeerStatusActive ||
			p.Status == models.PeerStatusDisabled ||
			p.Status == models.PeerStatusOnHold
		pastDeadline := p.ExpireTime > 0 && p.ExpireTime < now && expirable
		firstTraffic := p.Status == models.PeerStatusOnHold && p.TotalReceivedVolume != 0
		if overBudget || pastDeadline || firstTraffic {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) ApplyTransition(_ context.Context, tr lifecycle.Transition) error {
	for i := range t.d.peers {
		if t.d.peers[i].ID != tr.PeerID {
			continue
		}
		t.d.peers[i].Status = tr.Status
		if tr.StartTime != nil {
			t.d.peers[i].StartTime = *tr.StartTime
		}
		if tr.ExpireTime != nil {
			t.d.peers[i].ExpireTime = *tr.ExpireTime
		}
		return nil
	}
	return ErrNotFound
}

// -------- обёртки MemStore (блокировка + делегирование в memTx) --------

func (m *MemStore) tx() *memTx { return &memTx{d: m.data} }

func (m *MemStore) InterfaceByName(ctx context.Context, name string) (*models.Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().InterfaceByName(ctx, name)
}

func (m *MemStore) AvailableAddressCount(ctx context.Context, interfaceID uint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().AvailableAddressCount(ctx, interfaceID)
}

func (m *MemStore) ClaimAddresses(ctx context.Context, interfaceID uint, count int) ([]models.IPAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().ClaimAddresses(ctx, interfaceID, count)
}

func (m *MemStore) ClaimAddressesByIP(ctx context.Context, interfaceID uint, ips []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().ClaimAddressesByIP(ctx, interfaceID, ips)
}

func (m *MemStore) PeerNameTaken(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().PeerNameTaken(ctx, name)
}

func (m *MemStore) CreatePeer(ctx context.Context, peer *models.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().CreatePeer(ctx, peer)
}

func (m *MemStore) CreateInterface(ctx context.Context, in *models.Interface) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().CreateInterface(ctx, in)
}

func (m *MemStore) FilterPeers(ctx context.Context, interfaceName, name string, take, skip int) ([]models.Peer, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().FilterPeers(ctx, interfaceName, name, take, skip)
}

func (m *MemStore) PeerConfigByName(ctx context.Context, name string) (*models.Peer, *models.Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().PeerConfigByName(ctx, name)
}

func (m *MemStore) UpdatePeerStatus(ctx context.Context, name string, status models.PeerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().UpdatePeerStatus(ctx, name, status)
}

func (m *MemStore) TransitionCandidates(ctx context.Context, now int64) ([]models.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().TransitionCandidates(ctx, now)
}

func (m *MemStore) ApplyTransition(ctx context.Context, tr lifecycle.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().ApplyTransition(ctx, tr)
}
