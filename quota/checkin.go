package quota

import (
	"fmt"

	"go.uber.org/zap"
)

// 签到文案
const (
	MsgCheckinDisabled = "📅 签到功能未开启。"
	MsgCheckinRepeated = "📅 您今天已经签到过了。"
)

// CheckinResult 签到结果
type CheckinResult struct {
	OK      bool   `json:"ok"`
	Reward  int    `json:"reward"`
	Balance int    `json:"balance"`
	Message string `json:"message"`
}

// Checkin 每日签到。随机模式奖励 1..RandomMax，否则奖励 Fixed。
func (l *Ledger) Checkin(userID string) CheckinResult {
	conf := l.cfg.Checkin
	if !conf.Enabled {
		return CheckinResult{Message: MsgCheckinDisabled}
	}

	unlock := l.locks.LockAll(counterKey(ScopeUser, userID))
	defer unlock()

	today := l.today()
	l.mu.RLock()
	last := l.checkins[userID]
	l.mu.RUnlock()
	if last == today {
		return CheckinResult{Message: MsgCheckinRepeated, Balance: l.Balance(ScopeUser, userID)}
	}

	reward := conf.Fixed
	if conf.Random {
		reward = 1 + l.intn(max(1, conf.RandomMax))
	}

	l.mu.Lock()
	l.checkins[userID] = today
	l.dirtyCheckIDs[userID] = struct{}{}
	l.dirty |= dirtyCheckins
	bal := max(0, l.balanceLocked(ScopeUser, userID)+reward)
	l.setLocked(ScopeUser, userID, bal)
	l.mu.Unlock()

	l.logger.Info("用户签到", zap.String("user_id", userID), zap.Int("reward", reward))
	return CheckinResult{
		OK:      true,
		Reward:  reward,
		Balance: bal,
		Message: fmt.Sprintf("🎉 签到成功！获得 %d 次。", reward),
	}
}

func (l *Ledger) intn(n int) int {
	l.randMu.Lock()
	defer l.randMu.Unlock()
	return l.rng.Intn(n)
}
