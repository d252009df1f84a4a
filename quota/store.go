package quota

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Scope 区分用户计数与群组计数
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeGroup Scope = "group"
)

// ParseScope 解析 "user" / "group"
func ParseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeUser, ScopeGroup:
		return Scope(s), true
	}
	return "", false
}

// DailyStats 是某一天的成功生成计数
type DailyStats struct {
	Date   string         `json:"date"`
	Users  map[string]int `json:"users"`
	Groups map[string]int `json:"groups"`
}

func newDailyStats(date string) DailyStats {
	return DailyStats{Date: date, Users: make(map[string]int), Groups: make(map[string]int)}
}

func (d DailyStats) clone() DailyStats {
	return DailyStats{Date: d.Date, Users: maps.Clone(d.Users), Groups: maps.Clone(d.Groups)}
}

// Snapshot 是 Ledger 与 Store 之间交换的数据。
// Save 时 nil 字段表示该部分未变更。
type Snapshot struct {
	Users    map[string]int
	Groups   map[string]int
	Checkins map[string]string
	Daily    *DailyStats
}

// Store 持久化余额、签到与每日统计
type Store interface {
	Load(ctx context.Context, today string) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// =============================================================================
// 🗄️ GORM 实现
// =============================================================================

// BalanceRecord 余额表
type BalanceRecord struct {
	Scope     string    `gorm:"primaryKey;size:16" json:"scope"`
	SubjectID string    `gorm:"primaryKey;size:64" json:"subject_id"`
	Balance   int       `gorm:"not null;default:0" json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (BalanceRecord) TableName() string { return "bf_quota_balances" }

// CheckinRecord 最近一次签到日期
type CheckinRecord struct {
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	Date      string    `gorm:"size:10;not null" json:"date"` // YYYY-MM-DD
	UpdatedAt time.Time `json:"updated_at"`
}

func (CheckinRecord) TableName() string { return "bf_quota_checkins" }

// DailyUsageRecord 每日成功次数
type DailyUsageRecord struct {
	Date      string `gorm:"primaryKey;size:10" json:"date"`
	Scope     string `gorm:"primaryKey;size:16" json:"scope"`
	SubjectID string `gorm:"primaryKey;size:64" json:"subject_id"`
	Count     int    `gorm:"not null;default:0" json:"count"`
}

func (DailyUsageRecord) TableName() string { return "bf_quota_daily_usage" }

// Models 返回需要迁移的全部模型
func Models() []any {
	return []any{&BalanceRecord{}, &CheckinRecord{}, &DailyUsageRecord{}}
}

// GormStore 基于 gorm 的 Store
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store over db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 建表，仅用于测试与 sqlite 快速启动；生产环境走 migrations/
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(Models()...)
}

// Load implements Store.
func (s *GormStore) Load(ctx context.Context, today string) (*Snapshot, error) {
	db := s.db.WithContext(ctx)
	snap := &Snapshot{
		Users:    make(map[string]int),
		Groups:   make(map[string]int),
		Checkins: make(map[string]string),
	}

	var balances []BalanceRecord
	if err := db.Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	for _, b := range balances {
		switch Scope(b.Scope) {
		case ScopeUser:
			snap.Users[b.SubjectID] = b.Balance
		case ScopeGroup:
			snap.Groups[b.SubjectID] = b.Balance
		}
	}

	var checkins []CheckinRecord
	if err := db.Find(&checkins).Error; err != nil {
		return nil, fmt.Errorf("load checkins: %w", err)
	}
	for _, c := range checkins {
		snap.Checkins[c.UserID] = c.Date
	}

	var usage []DailyUsageRecord
	if err := db.Where("date = ?", today).Find(&usage).Error; err != nil {
		return nil, fmt.Errorf("load daily usage: %w", err)
	}
	daily := newDailyStats(today)
	for _, u := range usage {
		switch Scope(u.Scope) {
		case ScopeUser:
			daily.Users[u.SubjectID] = u.Count
		case ScopeGroup:
			daily.Groups[u.SubjectID] = u.Count
		}
	}
	snap.Daily = &daily
	return snap, nil
}

// Save implements Store. 所有变更在同一个事务里写入。
func (s *GormStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var balances []BalanceRecord
		for id, v := range snap.Users {
			balances = append(balances, BalanceRecord{Scope: string(ScopeUser), SubjectID: id, Balance: v})
		}
		for id, v := range snap.Groups {
			balances = append(balances, BalanceRecord{Scope: string(ScopeGroup), SubjectID: id, Balance: v})
		}
		if len(balances) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "scope"}, {Name: "subject_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
			}).CreateInBatches(balances, 200).Error
			if err != nil {
				return fmt.Errorf("save balances: %w", err)
			}
		}

		if len(snap.Checkins) > 0 {
			checkins := make([]CheckinRecord, 0, len(snap.Checkins))
			for uid, date := range snap.Checkins {
				checkins = append(checkins, CheckinRecord{UserID: uid, Date: date})
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"date", "updated_at"}),
			}).CreateInBatches(checkins, 200).Error
			if err != nil {
				return fmt.Errorf("save checkins: %w", err)
			}
		}

		if d := snap.Daily; d != nil && d.Date != "" {
			var usage []DailyUsageRecord
			for id, c := range d.Users {
				usage = append(usage, DailyUsageRecord{Date: d.Date, Scope: string(ScopeUser), SubjectID: id, Count: c})
			}
			for id, c := range d.Groups {
				usage = append(usage, DailyUsageRecord{Date: d.Date, Scope: string(ScopeGroup), SubjectID: id, Count: c})
			}
			if len(usage) > 0 {
				err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "date"}, {Name: "scope"}, {Name: "subject_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"count"}),
				}).CreateInBatches(usage, 200).Error
				if err != nil {
					return fmt.Errorf("save daily usage: %w", err)
				}
			}
		}
		return nil
	})
}

// =============================================================================
// 🧠 内存实现
// =============================================================================

// MemoryStore 不落盘的 Store，未配置数据库时使用
type MemoryStore struct {
	mu    sync.Mutex
	snap  Snapshot
	saves int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: Snapshot{
		Users:    make(map[string]int),
		Groups:   make(map[string]int),
		Checkins: make(map[string]string),
	}}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, today string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &Snapshot{
		Users:    maps.Clone(s.snap.Users),
		Groups:   maps.Clone(s.snap.Groups),
		Checkins: maps.Clone(s.snap.Checkins),
	}
	daily := newDailyStats(today)
	if s.snap.Daily != nil && s.snap.Daily.Date == today {
		daily = s.snap.Daily.clone()
	}
	out.Daily = &daily
	return out, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.snap.Users, snap.Users)
	maps.Copy(s.snap.Groups, snap.Groups)
	maps.Copy(s.snap.Checkins, snap.Checkins)
	if snap.Daily != nil {
		d := snap.Daily.clone()
		s.snap.Daily = &d
	}
	s.saves++
	return nil
}

// Saves 返回 Save 被调用的次数
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
