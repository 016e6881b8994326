package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"wgpanel/internal/models"
)

// Identity — свежая пара ключей + preshared key от внешнего генератора.
type Identity struct {
	PublicKey    string
	PrivateKey   string
	PresharedKey string
}

type IdentityGenerator interface {
	GenerateIdentity() (Identity, error)
}

// GatewayApplier устанавливает пира на шлюз. Должен быть идемпотентен при
// повторе со стороны вызывающего; сбой здесь валит всю транзакцию.
type GatewayApplier interface {
	ApplyPeer(ctx context.Context, peer *models.Peer, iface *models.Interface) error
}

// Store — персистентность, нужная движку. Все мутации внутри Transact
// атомарны: либо коммит целиком, либо ничего.
type Store interface {
	InterfaceByName(ctx context.Context, name string) (*models.Interface, error)
	AvailableAddressCount(ctx context.Context, interfaceID uint) (int, error)

	// ClaimAddresses атомарно выбирает count свободных адресов и помечает их
	// занятыми. Двум конкурентным транзакциям один адрес достаться не может.
	ClaimAddresses(ctx context.Context, interfaceID uint, count int) ([]models.IPAddress, error)
	// ClaimAddressesByIP — то же для конкретных адресов, указанных вызывающим.
	ClaimAddressesByIP(ctx context.Context, interfaceID uint, ips []string) error

	PeerNameTaken(ctx context.Context, name string) (bool, error)
	CreatePeer(ctx context.Context, peer *models.Peer) error

	Transact(ctx context.Context, fn func(tx Store) error) error
}

// Request — параметры одного запроса на провижининг (bulk или single).
type Request struct {
	Bulk  bool
	Count int // только bulk, >= 1

	// single: идентичность и адреса задаёт вызывающий
	Name         string
	PublicKey    string
	PresharedKey string
	AllowedIPs   []string

	Dns                 string
	Mtu                 int
	PersistentKeepalive int
	EndpointAllowedIPs  string

	Status         models.PeerStatus
	ExpireTime     int64 // epoch ms, 0 — без дедлайна
	OnHoldDuration int64 // ms
	TotalVolume    int64 // байты, 0 — безлимит
}

type Engine struct {
	store Store
	ids   IdentityGenerator
	gw    GatewayApplier
}

func NewEngine(store Store, ids IdentityGenerator, gw GatewayApplier) *Engine {
	return &Engine{store: store, ids: ids, gw: gw}
}

// Provision создаёт пира (или count пиров) на именованном интерфейсе.
// Claim адресов, генерация идентичности, вставка строк и установка на шлюз
// выполняются одной транзакцией; частичного успеха не бывает.
func (e *Engine) Provision(ctx context.Context, req Request, interfaceName string) ([]models.Peer, error) {
	if req.Status == "" {
		req.Status = models.PeerStatusOnHold
	}
	if !req.Status.Valid() {
		return nil, fmt.Errorf("invalid peer status %q", req.Status)
	}

	need := 1
	if req.Bulk {
		if req.Count < 1 {
			return nil, fmt.Errorf("bulk count must be >= 1, got %d", req.Count)
		}
		need = req.Count
	}

	iface, err := e.store.InterfaceByName(ctx, interfaceName)
	if err != nil {
		return nil, err
	}
	if iface == nil {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, interfaceName)
	}

	avail, err := e.store.AvailableAddressCount(ctx, iface.ID)
	if err != nil {
		return nil, err
	}
	if avail < need {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrPoolExhausted, need, avail)
	}

	var created []models.Peer
	err = e.store.Transact(ctx, func(tx Store) error {
		var txErr error
		if req.Bulk {
			created, txErr = e.provisionBulk(ctx, tx, iface, req)
		} else {
			created, txErr = e.provisionSingle(ctx, tx, iface, req)
		}
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (e *Engine) provisionBulk(ctx context.Context, tx Store, iface *models.Interface, req Request) ([]models.Peer, error) {
	addrs, err := tx.ClaimAddresses(ctx, iface.ID, req.Count)
	if err != nil {
		return nil, err
	}

	peers := make([]models.Peer, 0, len(addrs))
	for _, addr := range addrs {
		id, err := e.ids.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
		p := newPeer(iface, req, generatedName(), id, []string{addr.IP})
		if err := tx.CreatePeer(ctx, &p); err != nil {
			return nil, err
		}
		if err := e.gw.ApplyPeer(ctx, &p, iface); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGatewayApply, err)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func (e *Engine) provisionSingle(ctx context.Context, tx Store, iface *models.Interface, req Request) ([]models.Peer, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("peer name is required")
	}
	taken, err := tx.PeerNameTaken(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, req.Name)
	}

	ips := req.AllowedIPs
	if len(ips) == 0 {
		addrs, err := tx.ClaimAddresses(ctx, iface.ID, 1)
		if err != nil {
			return nil, err
		}
		ips = []string{addrs[0].IP}
	} else if err := tx.ClaimAddressesByIP(ctx, iface.ID, ips); err != nil {
		return nil, err
	}

	// Приватный ключ остаётся у клиента; храним только то, что он прислал.
	id := Identity{PublicKey: req.PublicKey, PresharedKey: req.PresharedKey}
	p := newPeer(iface, req, req.Name, id, ips)
	if err := tx.CreatePeer(ctx, &p); err != nil {
		return nil, err
	}
	if err := e.gw.ApplyPeer(ctx, &p, iface); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayApply, err)
	}
	return []models.Peer{p}, nil
}

func newPeer(iface *models.Interface, req Request, name string, id Identity, ips []string) models.Peer {
	return models.Peer{
		InterfaceID:         iface.ID,
		Name:                name,
		PublicKey:           id.PublicKey,
		PrivateKey:          id.PrivateKey,
		PresharedKey:        id.PresharedKey,
		AllowedIPs:          ips,
		Mtu:                 req.Mtu,
		Dns:                 req.Dns,
		PersistentKeepalive: req.PersistentKeepalive,
		EndpointAllowedIPs:  req.EndpointAllowedIPs,
		Status:              req.Status,
		ExpireTime:          req.ExpireTime,
		OnHoldDuration:      req.OnHoldDuration,
		TotalVolume:         req.TotalVolume,
	}
}

func generatedName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
