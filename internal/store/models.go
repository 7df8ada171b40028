package store

import "time"

// KnownHost is one trusted host key. (Host, Port, Algorithm) is unique.
type KnownHost struct {
	ID          uint      `gorm:"primaryKey"`
	Host        string    `gorm:"not null;uniqueIndex:idx_known_host"`
	Port        int       `gorm:"not null;uniqueIndex:idx_known_host"`
	Algorithm   string    `gorm:"not null;uniqueIndex:idx_known_host"`
	Fingerprint string    `gorm:"not null"`
	FirstSeen   time.Time `gorm:"not null"`
	LastSeen    time.Time `gorm:"not null"`
}

// Secret is an encrypted credential addressed by (Service, Account).
type Secret struct {
	ID        uint   `gorm:"primaryKey"`
	Service   string `gorm:"not null;uniqueIndex:idx_secret"`
	Account   string `gorm:"not null;uniqueIndex:idx_secret"`
	Token     []byte `gorm:"not null"`
	UpdatedAt time.Time
}
