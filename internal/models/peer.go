package models

import (
	"time"

	"gorm.io/datatypes"
)

// PeerStatus — закрытый набор статусов жизненного цикла пира.
// Терминальные: limited, expired. disabled выставляется только административно.
type PeerStatus string

const (
	PeerStatusOnHold   PeerStatus = "onhold"
	PeerStatusActive   PeerStatus = "active"
	PeerStatusLimited  PeerStatus = "limited"
	PeerStatusExpired  PeerStatus = "expired"
	PeerStatusDisabled PeerStatus = "disabled"
)

func (s PeerStatus) Valid() bool {
	switch s {
	case PeerStatusOnHold, PeerStatusActive, PeerStatusLimited, PeerStatusExpired, PeerStatusDisabled:
		return true
	}
	return false
}

type Peer struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	InterfaceID uint   `gorm:"index;not null" json:"interface_id"`
	Name        string `gorm:"uniqueIndex;size:64;not null" json:"name"`

	PublicKey    string `gorm:"size:64;not null" json:"public_key"`
	PrivateKey   string `gorm:"size:64" json:"-"`
	PresharedKey string `gorm:"size:64" json:"-"`

	// Адреса пира из пула интерфейса; обычно ровно один, порядок сохраняем.
	AllowedIPs datatypes.JSONSlice[string] `json:"allowed_ips"`

	Mtu                 int    `json:"mtu"`
	Dns                 string `gorm:"size:255" json:"dns"`
	PersistentKeepalive int    `json:"persistent_keepalive"`
	// Маршруты, которые клиент заворачивает в туннель ([Peer] AllowedIPs в конфиге).
	EndpointAllowedIPs string `gorm:"size:255" json:"endpoint_allowed_ips"`

	Status PeerStatus `gorm:"size:16;index;not null" json:"status"`

	// Времена — epoch в миллисекундах. ExpireTime == 0 означает «без дедлайна».
	StartTime  int64 `json:"start_time"`
	ExpireTime int64 `json:"expire_time"`
	// Окно onhold: относительная длительность (мс), превращается в абсолютный
	// дедлайн в момент первого трафика.
	OnHoldDuration int64 `json:"on_hold_duration"`

	// Бюджет трафика в байтах; 0 — безлимит. TotalReceivedVolume пишет внешний
	// учёт трафика, отсюда только читаем.
	TotalVolume         int64 `json:"total_volume"`
	TotalReceivedVolume int64 `json:"total_received_volume"`
}
