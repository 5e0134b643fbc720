package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// sessionModel is one row of auth_sessions.
type sessionModel struct {
	ID        string `gorm:"column:id;primaryKey"`
	Data      []byte `gorm:"column:data;not null"`
	UpdatedAt time.Time
}

func (sessionModel) TableName() string { return "auth_sessions" }

// Postgres stores sessions as documents in auth_sessions.
type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&sessionModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate auth_sessions: %w", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := p.db.WithContext(ctx).Model(&sessionModel{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, wrap("exists", id, err)
	}
	return n > 0, nil
}

func (p *Postgres) Get(ctx context.Context, id string) ([]byte, error) {
	var row sessionModel
	err := p.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get", id, err)
	}
	return row.Data, nil
}

func (p *Postgres) Set(ctx context.Context, id string, data []byte) error {
	row := sessionModel{ID: id, Data: data, UpdatedAt: time.Now().UTC()}
	if row.Data == nil {
		row.Data = []byte{}
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"data":       row.Data,
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row).Error
	return wrap("set", id, err)
}

func (p *Postgres) Remove(ctx context.Context, id string) error {
	err := p.db.WithContext(ctx).Where("id = ?", id).Delete(&sessionModel{}).Error
	return wrap("remove", id, err)
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
