package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/die-net/tabssh/internal/hostkey"
)

// HostKeys is a hostkey.Backend over the known_hosts table.
type HostKeys struct {
	db *gorm.DB
}

var _ hostkey.Backend = (*HostKeys)(nil)

// HostKeys returns the known host key backend.
func (d *DB) HostKeys() *HostKeys {
	return &HostKeys{db: d.db}
}

func (h *HostKeys) Get(ctx context.Context, host string, port int, algorithm string) (hostkey.Entry, error) {
	var row KnownHost
	err := h.db.WithContext(ctx).
		Where("host = ? AND port = ? AND algorithm = ?", host, port, algorithm).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return hostkey.Entry{}, hostkey.ErrNotFound
	}
	if err != nil {
		return hostkey.Entry{}, fmt.Errorf("get known host: %w", err)
	}

	return hostkey.Entry{
		Host:        row.Host,
		Port:        row.Port,
		Algorithm:   row.Algorithm,
		Fingerprint: row.Fingerprint,
		FirstSeen:   row.FirstSeen,
		LastSeen:    row.LastSeen,
	}, nil
}

func (h *HostKeys) Put(ctx context.Context, e hostkey.Entry) error {
	row := KnownHost{
		Host:        e.Host,
		Port:        e.Port,
		Algorithm:   e.Algorithm,
		Fingerprint: e.Fingerprint,
		FirstSeen:   e.FirstSeen,
		LastSeen:    e.LastSeen,
	}
	err := h.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host"}, {Name: "port"}, {Name: "algorithm"}},
		DoUpdates: clause.AssignmentColumns([]string{"fingerprint", "first_seen", "last_seen"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put known host: %w", err)
	}
	return nil
}

// List returns all known hosts ordered by host and port.
func (h *HostKeys) List(ctx context.Context) ([]hostkey.Entry, error) {
	var rows []KnownHost
	if err := h.db.WithContext(ctx).Order("host, port, algorithm").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list known hosts: %w", err)
	}

	entries := make([]hostkey.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, hostkey.Entry{
			Host:        row.Host,
			Port:        row.Port,
			Algorithm:   row.Algorithm,
			Fingerprint: row.Fingerprint,
			FirstSeen:   row.FirstSeen,
			LastSeen:    row.LastSeen,
		})
	}
	return entries, nil
}

// Delete removes the entry for the tuple. Deleting a missing entry is not an
// error.
func (h *HostKeys) Delete(ctx context.Context, host string, port int, algorithm string) error {
	err := h.db.WithContext(ctx).
		Where("host = ? AND port = ? AND algorithm = ?", host, port, algorithm).
		Delete(&KnownHost{}).Error
	if err != nil {
		return fmt.Errorf("delete known host: %w", err)
	}
	return nil
}
