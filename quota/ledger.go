package quota

import (
	"context"
	"maps"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Config 额度相关配置
type Config struct {
	EnableUserLimit  bool
	EnableGroupLimit bool
	UserBlacklist    []string
	GroupBlacklist   []string
	UserWhitelist    []string
	GroupWhitelist   []string

	// 新用户 / 新群组的初始次数
	DefaultUserBalance  int
	DefaultGroupBalance int

	FlushInterval time.Duration
	Checkin       CheckinConfig
}

// CheckinConfig 签到配置
type CheckinConfig struct {
	Enabled   bool
	Random    bool
	RandomMax int
	Fixed     int
}

// DefaultConfig 用户计数开启、群组计数关闭、30 秒落盘
func DefaultConfig() Config {
	return Config{
		EnableUserLimit: true,
		FlushInterval:   30 * time.Second,
		Checkin:         CheckinConfig{RandomMax: 5, Fixed: 3},
	}
}

type dirtyFlag uint8

const (
	dirtyUsers dirtyFlag = 1 << iota
	dirtyGroups
	dirtyCheckins
	dirtyDaily
)

// Ledger 持有内存中的余额、签到和每日统计，定期写回 Store。
//
// 同一计数器（user:<id> / group:<id>）上的"检查再扣费"由计数器锁串行化；
// 余额表本身由 mu 保护。
type Ledger struct {
	mu       sync.RWMutex
	users    map[string]int
	groups   map[string]int
	checkins map[string]string
	daily    DailyStats
	dirty    dirtyFlag

	// 记录被改动的键，落盘时只写这些
	dirtyUserIDs  map[string]struct{}
	dirtyGroupIDs map[string]struct{}
	dirtyCheckIDs map[string]struct{}

	locks *keyedMutex
	store Store
	cfg   Config

	now    func() time.Time
	randMu sync.Mutex
	rng    *rand.Rand

	flushMu   sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	logger *zap.Logger
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock 替换时间源
func WithClock(now func() time.Time) LedgerOption { return func(l *Ledger) { l.now = now } }

// WithRand 固定随机源
func WithRand(r *rand.Rand) LedgerOption { return func(l *Ledger) { l.rng = r } }

// NewLedger creates a ledger backed by store. store 为 nil 时使用 MemoryStore。
func NewLedger(store Store, cfg Config, logger *zap.Logger, opts ...LedgerOption) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	l := &Ledger{
		users:         make(map[string]int),
		groups:        make(map[string]int),
		checkins:      make(map[string]string),
		dirtyUserIDs:  make(map[string]struct{}),
		dirtyGroupIDs: make(map[string]struct{}),
		dirtyCheckIDs: make(map[string]struct{}),
		locks:         newKeyedMutex(),
		store:         store,
		cfg:           cfg,
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		logger:        logger.With(zap.String("component", "quota_ledger")),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.daily = newDailyStats(l.today())
	return l
}

func (l *Ledger) today() string { return l.now().Format(dateLayout) }

// Config returns the active configuration.
func (l *Ledger) Config() Config { return l.cfg }

// Load 从 Store 读入全部数据，覆盖内存状态
func (l *Ledger) Load(ctx context.Context) error {
	snap, err := l.store.Load(ctx, l.today())
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.Users != nil {
		l.users = snap.Users
	}
	if snap.Groups != nil {
		l.groups = snap.Groups
	}
	if snap.Checkins != nil {
		l.checkins = snap.Checkins
	}
	if snap.Daily != nil && snap.Daily.Date == l.today() {
		l.daily = snap.Daily.clone()
	}
	l.logger.Info("额度数据加载完成",
		zap.Int("users", len(l.users)),
		zap.Int("groups", len(l.groups)))
	return nil
}

// =============================================================================
// 💳 余额
// =============================================================================

func counterKey(scope Scope, id string) string { return string(scope) + ":" + id }

// balanceLocked 读取余额，不存在时返回默认值
func (l *Ledger) balanceLocked(scope Scope, id string) int {
	if scope == ScopeGroup {
		if v, ok := l.groups[id]; ok {
			return v
		}
		return l.cfg.DefaultGroupBalance
	}
	if v, ok := l.users[id]; ok {
		return v
	}
	return l.cfg.DefaultUserBalance
}

func (l *Ledger) setLocked(scope Scope, id string, v int) {
	v = max(0, v)
	if scope == ScopeGroup {
		l.groups[id] = v
		l.dirtyGroupIDs[id] = struct{}{}
		l.dirty |= dirtyGroups
		return
	}
	l.users[id] = v
	l.dirtyUserIDs[id] = struct{}{}
	l.dirty |= dirtyUsers
}

// Balance returns the current balance of a counter.
func (l *Ledger) Balance(scope Scope, id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balanceLocked(scope, id)
}

// QuotaContext 构建事务快照
func (l *Ledger) QuotaContext(userID, groupID string, isAdmin bool) Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	qc := Context{
		UserID:           userID,
		GroupID:          groupID,
		IsAdmin:          isAdmin,
		UserBalance:      l.balanceLocked(ScopeUser, userID),
		UserBlacklist:    l.cfg.UserBlacklist,
		GroupBlacklist:   l.cfg.GroupBlacklist,
		UserWhitelist:    l.cfg.UserWhitelist,
		GroupWhitelist:   l.cfg.GroupWhitelist,
		EnableUserLimit:  l.cfg.EnableUserLimit,
		EnableGroupLimit: l.cfg.EnableGroupLimit,
	}
	if groupID != "" {
		qc.GroupBalance = l.balanceLocked(ScopeGroup, groupID)
	}
	return qc
}

// Begin 创建事务并完成权限检查
func (l *Ledger) Begin(userID, groupID string, isAdmin bool, cost int) (*Transaction, Context) {
	qc := l.QuotaContext(userID, groupID, isAdmin)
	tx := NewTransaction()
	tx.CheckPermission(qc, cost)
	return tx, qc
}

// Settle 在计数器锁内重新读取余额并提交事务，返回结算后的余额。
// 两个并发请求各自通过检查后，只有余额仍然足够的那个会真正扣费。
func (l *Ledger) Settle(tx *Transaction, qc Context) (user, group int) {
	keys := []string{counterKey(ScopeUser, qc.UserID)}
	if qc.GroupID != "" {
		keys = append(keys, counterKey(ScopeGroup, qc.GroupID))
	}
	unlock := l.locks.LockAll(keys...)
	defer unlock()

	fresh := l.QuotaContext(qc.UserID, qc.GroupID, qc.IsAdmin)
	user, group = tx.Commit(fresh)

	if tx.RealCost() == 0 {
		return fresh.UserBalance, fresh.GroupBalance
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx.DeductedGroup() {
		l.setLocked(ScopeGroup, qc.GroupID, group)
	}
	if tx.DeductedUser() {
		l.setLocked(ScopeUser, qc.UserID, user)
	}
	l.logger.Debug("额度已扣除",
		zap.String("user_id", qc.UserID),
		zap.String("group_id", qc.GroupID),
		zap.Int("cost", tx.RealCost()),
		zap.Bool("group_paid", tx.DeductedGroup()))
	return max(0, user), max(0, group)
}

// ModifyBalance 增减余额，结果不低于 0
func (l *Ledger) ModifyBalance(scope Scope, id string, delta int) int {
	unlock := l.locks.LockAll(counterKey(scope, id))
	defer unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	v := max(0, l.balanceLocked(scope, id)+delta)
	l.setLocked(scope, id, v)
	return v
}

// SetBalance 直接设置余额，负数按 0 处理
func (l *Ledger) SetBalance(scope Scope, id string, value int) int {
	unlock := l.locks.LockAll(counterKey(scope, id))
	defer unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	v := max(0, value)
	l.setLocked(scope, id, v)
	return v
}

// =============================================================================
// 📊 每日统计
// =============================================================================

// RecordUsage 只统计成功的生成；日期变化时重置
func (l *Ledger) RecordUsage(userID, groupID string, success bool) {
	if !success {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if today := l.today(); l.daily.Date != today {
		l.daily = newDailyStats(today)
	}
	l.daily.Users[userID]++
	if groupID != "" {
		l.daily.Groups[groupID]++
	}
	l.dirty |= dirtyDaily
}

// RankEntry 排行榜条目
type RankEntry struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// Leaderboard 当日排行
type Leaderboard struct {
	Date   string      `json:"date"`
	Users  []RankEntry `json:"users"`
	Groups []RankEntry `json:"groups"`
}

// LeaderboardSize 排行榜长度
const LeaderboardSize = 10

// Leaderboard 返回当日前 10 的用户与群组；数据不是今天的则返回空榜
func (l *Ledger) Leaderboard() Leaderboard {
	today := l.today()
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := Leaderboard{Date: today, Users: []RankEntry{}, Groups: []RankEntry{}}
	if l.daily.Date != today {
		return out
	}
	out.Users = topN(l.daily.Users, LeaderboardSize)
	out.Groups = topN(l.daily.Groups, LeaderboardSize)
	return out
}

func topN(m map[string]int, n int) []RankEntry {
	out := make([]RankEntry, 0, len(m))
	for id, c := range m {
		out = append(out, RankEntry{ID: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// =============================================================================
// 💾 落盘
// =============================================================================

// Start 启动后台定期落盘；重复调用无效
func (l *Ledger) Start() {
	l.startOnce.Do(func() {
		go l.flushLoop()
	})
}

func (l *Ledger) flushLoop() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.FlushInterval)
			if err := l.Flush(ctx); err != nil {
				l.logger.Error("自动保存出错", zap.Error(err))
			}
			cancel()
		}
	}
}

// Flush 把脏数据写回 Store；写入失败时保留脏标记等待下次重试
func (l *Ledger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	if l.dirty == 0 {
		l.mu.Unlock()
		return nil
	}
	snap := &Snapshot{}
	flags := l.dirty
	userIDs, groupIDs, checkIDs := l.dirtyUserIDs, l.dirtyGroupIDs, l.dirtyCheckIDs
	if flags&dirtyUsers != 0 {
		snap.Users = pick(l.users, userIDs)
	}
	if flags&dirtyGroups != 0 {
		snap.Groups = pick(l.groups, groupIDs)
	}
	if flags&dirtyCheckins != 0 {
		snap.Checkins = pick(l.checkins, checkIDs)
	}
	if flags&dirtyDaily != 0 {
		d := l.daily.clone()
		snap.Daily = &d
	}
	l.dirty = 0
	l.dirtyUserIDs = make(map[string]struct{})
	l.dirtyGroupIDs = make(map[string]struct{})
	l.dirtyCheckIDs = make(map[string]struct{})
	l.mu.Unlock()

	if err := l.store.Save(ctx, snap); err != nil {
		l.mu.Lock()
		l.dirty |= flags
		maps.Copy(l.dirtyUserIDs, userIDs)
		maps.Copy(l.dirtyGroupIDs, groupIDs)
		maps.Copy(l.dirtyCheckIDs, checkIDs)
		l.mu.Unlock()
		return err
	}
	return nil
}

func pick[V any](src map[string]V, ids map[string]struct{}) map[string]V {
	out := make(map[string]V, len(ids))
	for id := range ids {
		if v, ok := src[id]; ok {
			out[id] = v
		}
	}
	return out
}

// Close 停止后台任务并做最后一次落盘
func (l *Ledger) Close(ctx context.Context) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopCh)
		// 从未 Start 过时由这里关闭 doneCh
		l.startOnce.Do(func() { close(l.doneCh) })
		select {
		case <-l.doneCh:
		case <-ctx.Done():
		}
		err = l.Flush(ctx)
	})
	return err
}

// =============================================================================
// 🔐 计数器锁
// =============================================================================

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) acquire(key string) *refLock {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()
	l.mu.Lock()
	return l
}

func (k *keyedMutex) release(key string, l *refLock) {
	l.mu.Unlock()
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// LockAll 按字典序加锁，避免交叉死锁；返回解锁函数
func (k *keyedMutex) LockAll(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	held := make([]*refLock, len(sorted))
	for i, key := range sorted {
		held[i] = k.acquire(key)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			k.release(sorted[i], held[i])
		}
	}
}
