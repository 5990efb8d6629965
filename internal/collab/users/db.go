package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/internal/common/config"
)

// Profile is a user profile row
type Profile struct {
	UserID     string `gorm:"column:user_id;primaryKey;size:255"`
	GivenName  string `gorm:"column:given_name;size:255"`
	FamilyName string `gorm:"column:family_name;size:255"`
}

// TableName returns the table name of Profile
func (Profile) TableName() string {
	return "user_profiles"
}

// DisplayName joins given and family name, ignoring "null" placeholders
func (p *Profile) DisplayName() string {
	parts := make([]string, 0, 2)
	for _, s := range []string{p.GivenName, p.FamilyName} {
		s = strings.TrimSpace(s)
		if s != "" && s != "null" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// DBResolver reads names from the user_profiles table
type DBResolver struct {
	db *gorm.DB
}

var _ Resolver = (*DBResolver)(nil)

// NewDBResolver opens the profile database
func NewDBResolver(cfg *config.DatabaseConfig) (*DBResolver, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	case "mysql":
		dialector = mysql.Open(cfg.GetDSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := gormDB.AutoMigrate(&Profile{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &DBResolver{db: gormDB}, nil
}

// NewDBResolverWithDB uses an already opened database
func NewDBResolverWithDB(db *gorm.DB) *DBResolver {
	return &DBResolver{db: db}
}

// Name implements Resolver.Name
func (r *DBResolver) Name(ctx context.Context, userID string) (string, error) {
	var p Profile
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", cnst.ErrProfileLookup, userID, err)
	}
	return p.DisplayName(), nil
}

// Close closes the database connection
func (r *DBResolver) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
