package repo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wgpanel/internal/lifecycle"
	"wgpanel/internal/models"
	"wgpanel/internal/provision"
)

var ErrNotFound = errors.New("not found")

// Сколько адресов максимум засеиваем на интерфейс (/16 и шире не принимаем).
const maxPoolBits = 16

// Store — gorm-реализация персистентности поверх postgres/mysql.
type Store struct{ db *gorm.DB }

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Transact выполняет fn в одной транзакции БД; отмена ctx откатывает её.
func (s *Store) Transact(ctx context.Context, fn func(tx provision.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) InterfaceByName(ctx context.Context, name string) (*models.Interface, error) {
	var in models.Interface
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&in).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &in, err
}

func (s *Store) AvailableAddressCount(ctx context.Context, interfaceID uint) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.IPAddress{}).
		Where("interface_id = ? AND available = ?", interfaceID, true).
		Count(&n).Error
	return int(n), err
}

// ClaimAddresses — атомарный claim: строки берутся под row-level lock
// (SKIP LOCKED, чтобы конкурентные транзакции не вставали в очередь за одними
// и теми же строками), затем помечаются занятыми условным UPDATE. Несовпадение
// числа затронутых строк означает гонку.
func (s *Store) ClaimAddresses(ctx context.Context, interfaceID uint, count int) ([]models.IPAddress, error) {
	var addrs []models.IPAddress
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("interface_id = ? AND available = ?", interfaceID, true).
		Order("id").
		Limit(count).
		Find(&addrs).Error
	if err != nil {
		return nil, err
	}
	if len(addrs) < count {
		return nil, fmt.Errorf("%w: need %d, have %d", provision.ErrPoolExhausted, count, len(addrs))
	}

	ids := make([]uint, len(addrs))
	for i, a := range addrs {
		ids[i] = a.ID
	}
	res := s.db.WithContext(ctx).Model(&models.IPAddress{}).
		Where("id IN ? AND available = ?", ids, true).
		Update("available", false)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != int64(count) {
		return nil, fmt.Errorf("%w: claimed %d of %d", provision.ErrAddressUnavailable, res.RowsAffected, count)
	}
	for i := range addrs {
		addrs[i].Available = false
	}
	return addrs, nil
}

func (s *Store) ClaimAddressesByIP(ctx context.Context, interfaceID uint, ips []string) error {
	res := s.db.WithContext(ctx).Model(&models.IPAddress{}).
		Where("interface_id = ? AND ip IN ? AND available = ?", interfaceID, ips, true).
		Update("available", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != int64(len(ips)) {
		return fmt.Errorf("%w: claimed %d of %d", provision.ErrAddressUnavailable, res.RowsAffected, len(ips))
	}
	return nil
}

func (s *Store) PeerNameTaken(ctx context.Context, name string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Peer{}).Where("name = ?", name).Count(&n).Error
	return n > 0, err
}

func (s *Store) CreatePeer(ctx context.Context, peer *models.Peer) error {
	return s.db.WithContext(ctx).Create(peer).Error
}

// -------- интерфейсы и пул --------

// CreateInterface создаёт интерфейс и засеивает его пул адресов из CIDR
// одним коммитом.
func (s *Store) CreateInterface(ctx context.Context, in *models.Interface) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(in).Error; err != nil {
			return err
		}
		addrs, err := poolFromCIDR(in.AddressCIDR, in.ID)
		if err != nil {
			return err
		}
		return tx.CreateInBatches(addrs, 500).Error
	})
}

// poolFromCIDR разворачивает IPv4 CIDR в позиции пула, пропуская адрес сети,
// шлюз (первый usable) и broadcast.
func poolFromCIDR(cidr string, interfaceID uint) ([]models.IPAddress, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("address pool cidr: %w", err)
	}
	v4 := ipnet.IP.To4()
	if v4 == nil {
		return nil, fmt.Errorf("address pool cidr %s: only IPv4 is supported", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones > maxPoolBits {
		return nil, fmt.Errorf("address pool cidr %s is too large (max /%d)", cidr, 32-maxPoolBits)
	}
	if bits-ones < 2 {
		return nil, fmt.Errorf("address pool cidr %s has no usable addresses", cidr)
	}

	base := binary.BigEndian.Uint32(v4)
	size := uint32(1) << (bits - ones)
	out := make([]models.IPAddress, 0, size-3)
	for off := uint32(2); off < size-1; off++ {
		a := make(net.IP, net.IPv4len)
		binary.BigEndian.PutUint32(a, base+off)
		out = append(out, models.IPAddress{
			InterfaceID: interfaceID,
			IP:          a.String() + "/32",
			Available:   true,
		})
	}
	return out, nil
}

// -------- выборки и административные операции --------

// FilterPeers — постраничный список пиров интерфейса; name матчится как
// подстрока без учёта регистра. total — число совпадений без пагинации.
// take <= 0 означает «без лимита», как в in-memory сторе.
func (s *Store) FilterPeers(ctx context.Context, interfaceName, name string, take, skip int) ([]models.Peer, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Peer{}).
		Joins("JOIN interfaces ON interfaces.id = peers.interface_id").
		Where("interfaces.name = ?", interfaceName)
	if strings.TrimSpace(name) != "" {
		q = q.Where("LOWER(peers.name) LIKE ?", "%"+strings.ToLower(name)+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if take <= 0 {
		take = -1 // gorm: отрицательный лимит снимает LIMIT
	}
	var peers []models.Peer
	err := q.Order("peers.id").Limit(take).Offset(skip).Find(&peers).Error
	return peers, total, err
}

// PeerConfigByName отдаёт пира вместе с его интерфейсом — полную пару для
// рендера клиентского конфига.
func (s *Store) PeerConfigByName(ctx context.Context, name string) (*models.Peer, *models.Interface, error) {
	var p models.Peer
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	var in models.Interface
	if err := s.db.WithContext(ctx).First(&in, p.InterfaceID).Error; err != nil {
		return nil, nil, err
	}
	return &p, &in, nil
}

func (s *Store) UpdatePeerStatus(ctx context.Context, name string, status models.PeerStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("name = ?", name).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// -------- реконсайлер --------

// TransitionCandidates: перерасход бюджета, прошедший дедлайн или onhold с
// первым трафиком. Третье условие шире, чем было в исходной джобе: там
// активация зависела от перерасхода бюджета и пир с большим TotalVolume мог
// не активироваться никогда.
func (s *Store) TransitionCandidates(ctx context.Context, now int64) ([]models.Peer, error) {
	var peers []models.Peer
	err := s.db.WithContext(ctx).
		Where(
			"(total_volume > 0 AND total_received_volume > total_volume)"+
				" OR (expire_time > 0 AND expire_time < ? AND status IN ?)"+
				" OR (status = ? AND total_received_volume <> 0)",
			now,
			[]models.PeerStatus{models.PeerStatusActive, models.PeerStatusDisabled, models.PeerStatusOnHold},
			models.PeerStatusOnHold,
		).
		Order("id").
		Find(&peers).Error
	return peers, err
}

func (s *Store) ApplyTransition(ctx context.Context, t lifecycle.Transition) error {
	updates := map[string]any{"status": t.Status}
	if t.StartTime != nil {
		updates["start_time"] = *t.StartTime
	}
	if t.ExpireTime != nil {
		updates["expire_time"] = *t.ExpireTime
	}
	return s.db.WithContext(ctx).Model(&models.Peer{}).
		Where("id = ?", t.PeerID).
		Updates(updates).Error
}
