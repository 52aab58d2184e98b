package access

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// radReply mirrors FreeRADIUS's radreply table. The table and its schema are
// owned by the RADIUS deployment; we only upsert and delete reply rows for
// device identifiers.
type radReply struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"column:username;index:idx_username_attr,unique"`
	Attribute string `gorm:"column:attribute;index:idx_username_attr,unique"`
	Op        string `gorm:"column:op"`
	Value     string `gorm:"column:value"`
}

func (radReply) TableName() string { return "radreply" }

// RadiusEnforcer injects Access-Accept replies for a device into the
// FreeRADIUS SQL backend.
type RadiusEnforcer struct {
	db *gorm.DB
}

// NewRadiusEnforcer connects to the FreeRADIUS database.
func NewRadiusEnforcer(dsn string) (*RadiusEnforcer, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("access: connect radius db: %w", err)
	}
	return &RadiusEnforcer{db: db}, nil
}

// NewRadiusEnforcerFromDB wraps an existing handle, used by tests.
func NewRadiusEnforcerFromDB(db *gorm.DB) *RadiusEnforcer {
	return &RadiusEnforcer{db: db}
}

func (e *RadiusEnforcer) Name() string { return "freeradius" }

func (e *RadiusEnforcer) Apply(ctx context.Context, identifier string, ttlSeconds int) error {
	if err := validateIdentifier(identifier); err != nil {
		return err
	}

	rows := []radReply{
		{Username: identifier, Attribute: "Auth-Type", Op: ":=", Value: "Accept"},
		{Username: identifier, Attribute: "Session-Timeout", Op: ":=", Value: strconv.Itoa(ttlSeconds)},
	}
	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}, {Name: "attribute"}},
		DoUpdates: clause.AssignmentColumns([]string{"op", "value"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("access: radreply upsert for %s: %w", identifier, err)
	}
	return nil
}

// Remove deletes all reply rows for the identifier. Zero affected rows means
// the device was already gone, which is success.
func (e *RadiusEnforcer) Remove(ctx context.Context, identifier string) error {
	if err := validateIdentifier(identifier); err != nil {
		return err
	}
	err := e.db.WithContext(ctx).Where("username = ?", identifier).Delete(&radReply{}).Error
	if err != nil {
		return fmt.Errorf("access: radreply delete for %s: %w", identifier, err)
	}
	return nil
}
