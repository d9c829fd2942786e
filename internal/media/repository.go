package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kenneth/media-storage-gateway/internal/config"
)

// queryColumns are the fields Find accepts.
var queryColumns = map[string]bool{
	"id":        true,
	"room_id":   true,
	"user_id":   true,
	"mime_type": true,
}

// Repository persists media metadata.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Metadata, error)
	Find(ctx context.Context, query map[string]string) ([]Metadata, error)
	Create(ctx context.Context, m *Metadata) error
	Delete(ctx context.Context, id string) error
}

// OpenDatabase connects to the configured database and migrates the schema.
func OpenDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Metadata{}); err != nil {
		return nil, fmt.Errorf("failed to migrate media schema: %w", err)
	}
	return db, nil
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindByID(ctx context.Context, id string) (*Metadata, error) {
	var m Metadata
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load media %s: %w", id, err)
	}
	return &m, nil
}

func (r *gormRepository) Find(ctx context.Context, query map[string]string) ([]Metadata, error) {
	conditions, err := buildConditions(query)
	if err != nil {
		return nil, err
	}
	var rows []Metadata
	if err := r.db.WithContext(ctx).Where(conditions).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	return rows, nil
}

func (r *gormRepository) Create(ctx context.Context, m *Metadata) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to create media %s: %w", m.ID, err)
	}
	return nil
}

// Delete is idempotent.
func (r *gormRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Metadata{}).Error; err != nil {
		return fmt.Errorf("failed to delete media %s: %w", id, err)
	}
	return nil
}

func buildConditions(query map[string]string) (map[string]interface{}, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidQuery)
	}
	conditions := make(map[string]interface{}, len(query))
	for column, value := range query {
		if !queryColumns[column] {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, column)
		}
		conditions[column] = value
	}
	return conditions, nil
}
