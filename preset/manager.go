package preset

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/bananaflow/llm"
	"github.com/BaSui01/bananaflow/prompt"
	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

// Manager 管理连接预设、激活预设、API Key 以及提示词预设。
// 所有修改先写 Store，成功后才更新内存。
type Manager struct {
	mu      sync.RWMutex
	presets map[string]types.ConnectionPreset
	active  string

	book   *prompt.Book
	store  Store
	logger *zap.Logger
}

// NewManager creates an empty manager. Call Load to read persisted state.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		presets: make(map[string]types.ConnectionPreset),
		book:    prompt.NewBook(nil, nil),
		store:   store,
		logger:  logger.With(zap.String("component", "preset_manager")),
	}
}

// Load 从 Store 读取全部状态
func (m *Manager) Load(ctx context.Context) error {
	st, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load presets: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.presets = make(map[string]types.ConnectionPreset, len(st.Presets))
	for _, p := range st.Presets {
		m.presets[p.Name] = p.Clone()
	}
	m.active = st.Active
	if _, ok := m.presets[m.active]; !ok {
		m.active = firstName(m.presets)
	}
	m.book = prompt.NewBook(st.Prompts, st.Optimizers)

	m.logger.Info("预设已加载",
		zap.Int("connections", len(m.presets)),
		zap.String("active", m.active),
		zap.Int("prompts", len(st.Prompts)),
		zap.Int("optimizers", len(st.Optimizers)),
	)
	return nil
}

// Seed 写入配置文件中定义、但 Store 中尚不存在的预设。
// 只有 Store 中还没有激活预设时才采用 active。
func (m *Manager) Seed(ctx context.Context, presets []types.ConnectionPreset, active string, prompts, optimizers map[string]string) error {
	hadActive := m.ActiveName() != ""
	for _, p := range presets {
		if _, ok := m.Get(p.Name); ok {
			continue
		}
		if err := m.Upsert(ctx, p); err != nil {
			return err
		}
	}
	if !hadActive && active != "" && active != m.ActiveName() {
		if _, err := m.SetActive(ctx, active); err != nil {
			return err
		}
	}
	for name, content := range prompts {
		if _, ok := m.Book().Get(prompt.KindPrompt, name); !ok {
			if err := m.SetPrompt(ctx, prompt.KindPrompt, name, content); err != nil {
				return err
			}
		}
	}
	for name, content := range optimizers {
		if _, ok := m.Book().Get(prompt.KindOptimizer, name); !ok {
			if err := m.SetPrompt(ctx, prompt.KindOptimizer, name, content); err != nil {
				return err
			}
		}
	}
	return nil
}

// Book 返回提示词预设簿
func (m *Manager) Book() *prompt.Book {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.book
}

// Get returns a copy of the named preset.
func (m *Manager) Get(name string) (types.ConnectionPreset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presets[name]
	if !ok {
		return types.ConnectionPreset{}, false
	}
	return p.Clone(), true
}

// ActiveName 返回当前激活的预设名，没有预设时为空
func (m *Manager) ActiveName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Active returns a copy of the active preset.
func (m *Manager) Active() (types.ConnectionPreset, bool) {
	return m.Get(m.ActiveName())
}

// Resolve 返回指定预设；name 为空时返回激活预设
func (m *Manager) Resolve(name string) (types.ConnectionPreset, error) {
	if name == "" {
		name = m.ActiveName()
		if name == "" {
			return types.ConnectionPreset{}, types.NewError(types.KindInvalidArgument, "❌ 尚未配置任何连接预设。")
		}
	}
	p, ok := m.Get(name)
	if !ok {
		return types.ConnectionPreset{}, errNotFound(name)
	}
	return p, nil
}

// List 按名称排序返回所有预设
func (m *Manager) List() []types.ConnectionPreset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ConnectionPreset, 0, len(m.presets))
	for _, name := range sortedNames(m.presets) {
		out = append(out, m.presets[name].Clone())
	}
	return out
}

// Validate 检查预设字段
func Validate(p types.ConnectionPreset) error {
	if strings.TrimSpace(p.Name) == "" {
		return types.NewError(types.KindInvalidArgument, "预设名不能为空")
	}
	if _, ok := types.ParseBackendKind(string(p.Backend)); !ok {
		return types.Errorf(types.KindInvalidArgument, "不支持的后端类型: %s", p.Backend)
	}
	if strings.TrimSpace(p.Model) == "" {
		return types.NewError(types.KindInvalidArgument, "模型不能为空")
	}
	return nil
}

// Upsert 新增或覆盖预设。第一个预设会自动成为激活预设。
func (m *Manager) Upsert(ctx context.Context, p types.ConnectionPreset) error {
	p.Name = strings.TrimSpace(p.Name)
	if kind, ok := types.ParseBackendKind(string(p.Backend)); ok {
		p.Backend = kind
	}
	p.APIKeys = dedupeKeys(p.APIKeys)
	if err := Validate(p); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SavePreset(ctx, p); err != nil {
		return fmt.Errorf("save preset: %w", err)
	}
	m.presets[p.Name] = p.Clone()
	if len(m.presets) == 1 || m.active == "" {
		if err := m.setActiveLocked(ctx, p.Name); err != nil {
			return err
		}
	}
	m.logger.Info("预设已保存", zap.String("preset", p.Name), zap.String("backend", string(p.Backend)))
	return nil
}

// Delete 删除预设。删除激活预设时激活名切换到剩余预设中的第一个。
func (m *Manager) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.presets[name]; !ok {
		return false, nil
	}
	if err := m.store.DeletePreset(ctx, name); err != nil {
		return false, fmt.Errorf("delete preset: %w", err)
	}
	delete(m.presets, name)
	if m.active == name {
		if err := m.setActiveLocked(ctx, firstName(m.presets)); err != nil {
			return true, err
		}
	}
	return true, nil
}

// SetActive 切换激活预设
func (m *Manager) SetActive(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.presets[name]; !ok {
		return false, nil
	}
	if err := m.setActiveLocked(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) setActiveLocked(ctx context.Context, name string) error {
	if err := m.store.SetActive(ctx, name); err != nil {
		return fmt.Errorf("set active preset: %w", err)
	}
	m.active = name
	return nil
}

// Rename 重命名预设，目标名已存在时返回 false
func (m *Manager) Rename(ctx context.Context, oldName, newName string) (bool, error) {
	newName = strings.TrimSpace(newName)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presets[oldName]
	if !ok || newName == "" {
		return false, nil
	}
	if _, taken := m.presets[newName]; taken {
		return false, nil
	}
	p.Name = newName
	if err := m.store.SavePreset(ctx, p); err != nil {
		return false, fmt.Errorf("save preset: %w", err)
	}
	if err := m.store.DeletePreset(ctx, oldName); err != nil {
		return false, fmt.Errorf("delete preset: %w", err)
	}
	delete(m.presets, oldName)
	m.presets[newName] = p
	if m.active == oldName {
		if err := m.setActiveLocked(ctx, newName); err != nil {
			return true, err
		}
	}
	return true, nil
}

// =============================================================================
// 🔑 Key 管理
// =============================================================================

// AddKeys 追加 Key，返回新增数与重复数
func (m *Manager) AddKeys(ctx context.Context, name string, keys []string) (added, dup int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presets[name]
	if !ok {
		return 0, 0, errNotFound(name)
	}

	seen := make(map[string]struct{}, len(p.APIKeys))
	for _, k := range p.APIKeys {
		seen[k] = struct{}{}
	}
	next := append([]string(nil), p.APIKeys...)
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, exists := seen[k]; exists {
			dup++
			continue
		}
		seen[k] = struct{}{}
		next = append(next, k)
		added++
	}
	if added == 0 {
		return 0, dup, nil
	}

	p.APIKeys = next
	if err := m.store.SavePreset(ctx, p); err != nil {
		return 0, dup, fmt.Errorf("save keys: %w", err)
	}
	m.presets[name] = p
	m.logger.Info("API Key 已添加", zap.String("preset", name), zap.Int("added", added), zap.Int("duplicates", dup))
	return added, dup, nil
}

// DeleteKey 按 1 起始的序号删除 Key，返回是否删除和剩余数量
func (m *Manager) DeleteKey(ctx context.Context, name string, index int) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presets[name]
	if !ok {
		return false, 0, errNotFound(name)
	}
	idx := index - 1
	if idx < 0 || idx >= len(p.APIKeys) {
		return false, len(p.APIKeys), nil
	}

	next := make([]string, 0, len(p.APIKeys)-1)
	next = append(next, p.APIKeys[:idx]...)
	next = append(next, p.APIKeys[idx+1:]...)
	p.APIKeys = next
	if err := m.store.SavePreset(ctx, p); err != nil {
		return false, len(p.APIKeys) + 1, fmt.Errorf("save keys: %w", err)
	}
	m.presets[name] = p
	return true, len(next), nil
}

// MaskedKeys 返回脱敏后的 Key 列表
func (m *Manager) MaskedKeys(name string) ([]string, error) {
	p, ok := m.Get(name)
	if !ok {
		return nil, errNotFound(name)
	}
	out := make([]string, len(p.APIKeys))
	for i, k := range p.APIKeys {
		out[i] = llm.MaskKey(k)
	}
	return out, nil
}

// =============================================================================
// 📝 提示词预设
// =============================================================================

// SetPrompt 新增或覆盖提示词预设
func (m *Manager) SetPrompt(ctx context.Context, kind prompt.Kind, name, content string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(content) == "" {
		return types.NewError(types.KindInvalidArgument, "预设名和内容不能为空")
	}
	if err := m.store.SavePrompt(ctx, kind, name, content); err != nil {
		return fmt.Errorf("save prompt: %w", err)
	}
	m.Book().Set(kind, name, content)
	return nil
}

// DeletePrompt 删除提示词预设
func (m *Manager) DeletePrompt(ctx context.Context, kind prompt.Kind, name string) (bool, error) {
	book := m.Book()
	if _, ok := book.Get(kind, name); !ok || (kind == prompt.KindOptimizer && name == "default") {
		return false, nil
	}
	if err := m.store.DeletePrompt(ctx, kind, name); err != nil {
		return false, fmt.Errorf("delete prompt: %w", err)
	}
	return book.Delete(kind, name), nil
}

func errNotFound(name string) *types.Error {
	return types.Errorf(types.KindNotFound, "❌ 预设 [%s] 不存在。", name)
}

func dedupeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func sortedNames(m map[string]types.ConnectionPreset) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func firstName(m map[string]types.ConnectionPreset) string {
	names := sortedNames(m)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
