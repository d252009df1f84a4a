package preset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/bananaflow/prompt"
	"github.com/BaSui01/bananaflow/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// State 是持久化的全部预设数据
type State struct {
	Presets    []types.ConnectionPreset
	Active     string
	Prompts    map[string]string
	Optimizers map[string]string
}

// Store 持久化连接预设、当前激活预设与提示词预设
type Store interface {
	Load(ctx context.Context) (*State, error)
	SavePreset(ctx context.Context, p types.ConnectionPreset) error
	DeletePreset(ctx context.Context, name string) error
	SetActive(ctx context.Context, name string) error
	SavePrompt(ctx context.Context, kind prompt.Kind, name, content string) error
	DeletePrompt(ctx context.Context, kind prompt.Kind, name string) error
}

// =============================================================================
// 🗄️ GORM 实现
// =============================================================================

// PresetRecord 连接预设表
type PresetRecord struct {
	Name      string    `gorm:"primaryKey;size:64" json:"name"`
	Backend   string    `gorm:"size:16;not null" json:"backend"`
	BaseURL   string    `gorm:"size:512" json:"base_url"`
	Model     string    `gorm:"size:128" json:"model"`
	Stream    *bool     `json:"stream"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PresetRecord) TableName() string { return "bf_presets" }

// PresetKeyRecord 预设下的 API Key，Position 决定轮换顺序
type PresetKeyRecord struct {
	ID         uint   `gorm:"primaryKey"`
	PresetName string `gorm:"size:64;not null;index:idx_bf_preset_keys_preset"`
	Position   int    `gorm:"not null"`
	APIKey     string `gorm:"size:512;not null"`
}

func (PresetKeyRecord) TableName() string { return "bf_preset_keys" }

// PromptRecord 提示词预设表
type PromptRecord struct {
	Kind      string    `gorm:"primaryKey;size:16" json:"kind"`
	Name      string    `gorm:"primaryKey;size:128" json:"name"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PromptRecord) TableName() string { return "bf_prompt_presets" }

// SettingRecord 简单键值设置
type SettingRecord struct {
	Key   string `gorm:"column:setting_key;primaryKey;size:64"`
	Value string `gorm:"column:setting_value;size:256"`
}

func (SettingRecord) TableName() string { return "bf_settings" }

const settingActivePreset = "active_preset"

// Models returns the gorm models owned by this package.
func Models() []any {
	return []any{&PresetRecord{}, &PresetKeyRecord{}, &PromptRecord{}, &SettingRecord{}}
}

// GormStore 基于 gorm 的 Store
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a gorm-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates the preset tables. Production deployments use migrations.
func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to auto migrate presets: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *GormStore) Load(ctx context.Context) (*State, error) {
	db := s.db.WithContext(ctx)

	var presets []PresetRecord
	if err := db.Order("name ASC").Find(&presets).Error; err != nil {
		return nil, fmt.Errorf("load presets: %w", err)
	}
	var keys []PresetKeyRecord
	if err := db.Order("preset_name ASC, position ASC, id ASC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("load preset keys: %w", err)
	}
	var prompts []PromptRecord
	if err := db.Find(&prompts).Error; err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	st := &State{Prompts: make(map[string]string), Optimizers: make(map[string]string)}

	var active SettingRecord
	err := db.Where("setting_key = ?", settingActivePreset).Take(&active).Error
	switch {
	case err == nil:
		st.Active = active.Value
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("load active preset: %w", err)
	}

	byName := make(map[string][]string, len(presets))
	for _, k := range keys {
		byName[k.PresetName] = append(byName[k.PresetName], k.APIKey)
	}
	for _, r := range presets {
		backend, _ := types.ParseBackendKind(r.Backend)
		st.Presets = append(st.Presets, types.ConnectionPreset{
			Name:    r.Name,
			Backend: backend,
			BaseURL: r.BaseURL,
			Model:   r.Model,
			Stream:  r.Stream,
			APIKeys: byName[r.Name],
		})
	}
	for _, p := range prompts {
		if prompt.Kind(p.Kind) == prompt.KindOptimizer {
			st.Optimizers[p.Name] = p.Content
		} else {
			st.Prompts[p.Name] = p.Content
		}
	}
	return st, nil
}

// SavePreset implements Store. Keys are replaced as a whole.
func (s *GormStore) SavePreset(ctx context.Context, p types.ConnectionPreset) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := PresetRecord{
			Name:    p.Name,
			Backend: string(p.Backend),
			BaseURL: p.BaseURL,
			Model:   p.Model,
			Stream:  p.Stream,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"backend", "base_url", "model", "stream", "updated_at"}),
		}).Create(&rec).Error; err != nil {
			return fmt.Errorf("save preset %s: %w", p.Name, err)
		}
		if err := tx.Where("preset_name = ?", p.Name).Delete(&PresetKeyRecord{}).Error; err != nil {
			return fmt.Errorf("clear keys of %s: %w", p.Name, err)
		}
		if len(p.APIKeys) == 0 {
			return nil
		}
		recs := make([]PresetKeyRecord, len(p.APIKeys))
		for i, k := range p.APIKeys {
			recs[i] = PresetKeyRecord{PresetName: p.Name, Position: i, APIKey: k}
		}
		if err := tx.CreateInBatches(recs, 100).Error; err != nil {
			return fmt.Errorf("save keys of %s: %w", p.Name, err)
		}
		return nil
	})
}

// DeletePreset implements Store.
func (s *GormStore) DeletePreset(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("preset_name = ?", name).Delete(&PresetKeyRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("name = ?", name).Delete(&PresetRecord{}).Error
	})
}

// SetActive implements Store.
func (s *GormStore) SetActive(ctx context.Context, name string) error {
	rec := SettingRecord{Key: settingActivePreset, Value: name}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"setting_value"}),
	}).Create(&rec).Error
}

// SavePrompt implements Store.
func (s *GormStore) SavePrompt(ctx context.Context, kind prompt.Kind, name, content string) error {
	rec := PromptRecord{Kind: string(kind), Name: name, Content: content}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(&rec).Error
}

// DeletePrompt implements Store.
func (s *GormStore) DeletePrompt(ctx context.Context, kind prompt.Kind, name string) error {
	return s.db.WithContext(ctx).
		Where("kind = ? AND name = ?", string(kind), name).
		Delete(&PromptRecord{}).Error
}

// =============================================================================
// 🧠 内存实现
// =============================================================================

// MemoryStore 是进程内的 Store，用于测试和无数据库部署
type MemoryStore struct {
	mu      sync.Mutex
	presets map[string]types.ConnectionPreset
	active  string
	prompts map[prompt.Kind]map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presets: make(map[string]types.ConnectionPreset),
		prompts: map[prompt.Kind]map[string]string{
			prompt.KindPrompt:    {},
			prompt.KindOptimizer: {},
		},
	}
}

// Load implements Store.
func (m *MemoryStore) Load(context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &State{
		Active:     m.active,
		Prompts:    make(map[string]string),
		Optimizers: make(map[string]string),
	}
	names := make([]string, 0, len(m.presets))
	for n := range m.presets {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		st.Presets = append(st.Presets, m.presets[n].Clone())
	}
	for k, v := range m.prompts[prompt.KindPrompt] {
		st.Prompts[k] = v
	}
	for k, v := range m.prompts[prompt.KindOptimizer] {
		st.Optimizers[k] = v
	}
	return st, nil
}

// SavePreset implements Store.
func (m *MemoryStore) SavePreset(_ context.Context, p types.ConnectionPreset) error {
	m.mu.Lock()
	m.presets[p.Name] = p.Clone()
	m.mu.Unlock()
	return nil
}

// DeletePreset implements Store.
func (m *MemoryStore) DeletePreset(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.presets, name)
	m.mu.Unlock()
	return nil
}

// SetActive implements Store.
func (m *MemoryStore) SetActive(_ context.Context, name string) error {
	m.mu.Lock()
	m.active = name
	m.mu.Unlock()
	return nil
}

// SavePrompt implements Store.
func (m *MemoryStore) SavePrompt(_ context.Context, kind prompt.Kind, name, content string) error {
	m.mu.Lock()
	m.prompts[kind][name] = content
	m.mu.Unlock()
	return nil
}

// DeletePrompt implements Store.
func (m *MemoryStore) DeletePrompt(_ context.Context, kind prompt.Kind, name string) error {
	m.mu.Lock()
	delete(m.prompts[kind], name)
	m.mu.Unlock()
	return nil
}
