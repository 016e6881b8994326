package models

import "time"

// Interface — шлюзовой WireGuard-интерфейс. Создаётся отдельно от пиров,
// движок провижининга его только читает.
type Interface struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name       string `gorm:"uniqueIndex;size:64;not null" json:"name"`
	PublicKey  string `gorm:"size:64" json:"public_key"`
	Endpoint   string `gorm:"size:255" json:"endpoint"` // хост без порта
	ListenPort int    `json:"listen_port"`

	// Пул адресов интерфейса, например 10.10.0.0/24. Из него засеивается
	// таблица ip_addresses при создании интерфейса.
	AddressCIDR string `gorm:"size:64" json:"address_cidr"`
}

// IPAddress — одна позиция пула. Available=false ⇔ адрес занят ровно одним
// не выведенным из эксплуатации пиром. Строки не удаляются.
type IPAddress struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	InterfaceID uint   `gorm:"index;not null" json:"interface_id"`
	IP          string `gorm:"size:64;not null" json:"ip"`
	Available   bool   `gorm:"not null;default:true" json:"available"`
}
