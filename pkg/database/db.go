package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/arnavshah/rota-api-go/pkg/models"
)

// Member represents the roster_members table
type Member struct {
	ID        int       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	Active    bool      `gorm:"default:true" json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Member) TableName() string { return "roster_members" }

// RunRecord represents the run_records table, one row per finished run
type RunRecord struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	RunID         string    `gorm:"uniqueIndex;not null" json:"run_id"`
	StartedAt     time.Time `gorm:"index" json:"started_at"`
	DurationMS    int64     `json:"duration_ms"`
	ApplyMode     string    `json:"apply_mode"`
	Code          string    `gorm:"index" json:"code"`
	Message       string    `json:"message"`
	Days          int       `json:"days"`
	Seats         int       `json:"seats"`
	ForceInserted int       `json:"force_inserted"`
	DebtAfter     int       `json:"debt_after"`
	SeedAnchor    string    `json:"seed_anchor"`
}

// APIKey represents the api_keys table
type APIKey struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Key        string     `gorm:"unique;not null" json:"-"`
	KeyPreview string     `json:"key_preview"`
	Name       string     `gorm:"not null" json:"name"`
	RateLimit  int        `gorm:"default:10000" json:"rate_limit"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   *time.Time `json:"last_used"`
}

// APIUsage represents the api_usage table
type APIUsage struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	KeyID        uint   `gorm:"uniqueIndex:idx_key_date;not null" json:"key_id"`
	Date         string `gorm:"uniqueIndex:idx_key_date;not null" json:"date"`
	RequestCount int    `gorm:"default:0" json:"request_count"`
	TotalDays    int    `gorm:"default:0" json:"total_days"`
	TotalSeats   int    `gorm:"default:0" json:"total_seats"`
}

// MasterUser represents the master_users table
type MasterUser struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"unique;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Open connects to Postgres when databaseURL is set, otherwise to a SQLite
// file at dataPath, and migrates the schema.
func Open(databaseURL, dataPath string) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	if databaseURL != "" {
		db, err = gorm.Open(postgres.New(postgres.Config{
			DSN:                  databaseURL,
			PreferSimpleProtocol: true,
		}), &gorm.Config{
			PrepareStmt: false,
		})
	} else {
		if dataPath == "" {
			dataPath = "rota.db"
		}
		db, err = gorm.Open(sqlite.Open(dataPath), &gorm.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := db.AutoMigrate(&Member{}, &RunRecord{}, &APIKey{}, &APIUsage{}, &MasterUser{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return db, nil
}

// Roster reads and edits roster_members. The coordinator only ever reads it.
type Roster struct {
	DB *gorm.DB
}

// Members returns the roster ordered by id
func (r *Roster) Members(ctx context.Context) ([]models.RosterMember, error) {
	var rows []Member
	if err := r.DB.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading roster: %w", err)
	}
	out := make([]models.RosterMember, len(rows))
	for i, m := range rows {
		out[i] = models.RosterMember{ID: m.ID, Name: m.Name, Active: m.Active}
	}
	return out, nil
}

// Replace swaps the whole roster in one transaction
func (r *Roster) Replace(ctx context.Context, members []models.RosterMember) error {
	seen := make(map[int]bool, len(members))
	rows := make([]Member, 0, len(members))
	for _, m := range members {
		if m.ID <= 0 {
			return fmt.Errorf("member id must be positive, got %d", m.ID)
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate member id %d", m.ID)
		}
		seen[m.ID] = true
		rows = append(rows, Member{ID: m.ID, Name: m.Name, Active: m.Active})
	}
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Member{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		// Select keeps Active=false from being swapped for the column default
		return tx.Select("ID", "Name", "Active", "UpdatedAt").Create(&rows).Error
	})
}

// ErrMemberNotFound is returned when toggling an unknown id
var ErrMemberNotFound = errors.New("member not found")

// SetActive flips a member's availability
func (r *Roster) SetActive(ctx context.Context, id int, active bool) error {
	res := r.DB.WithContext(ctx).Model(&Member{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// RunLog is the audit trail of finished runs
type RunLog struct {
	DB *gorm.DB
}

func (l *RunLog) Record(ctx context.Context, rec *RunRecord) error {
	return l.DB.WithContext(ctx).Create(rec).Error
}

// Recent returns up to limit records, newest first
func (l *RunLog) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	var recs []RunRecord
	err := l.DB.WithContext(ctx).Order("started_at desc").Limit(limit).Find(&recs).Error
	return recs, err
}

// RecordUsage upserts today's counters for a key in a single query
// (supported by both Postgres and SQLite)
func RecordUsage(db *gorm.DB, keyID uint, days, seats int) error {
	today := time.Now().Format(models.DateLayout)
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"request_count": gorm.Expr("request_count + ?", 1),
			"total_days":    gorm.Expr("total_days + ?", days),
			"total_seats":   gorm.Expr("total_seats + ?", seats),
		}),
	}).Create(&APIUsage{
		KeyID:        keyID,
		Date:         today,
		RequestCount: 1,
		TotalDays:    days,
		TotalSeats:   seats,
	}).Error
}
