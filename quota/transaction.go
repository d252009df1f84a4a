package quota

import (
	"fmt"
	"slices"
)

// RejectReason 是拒绝原因的展示文案
type RejectReason string

const (
	ReasonUserBlacklisted  RejectReason = "❌ 您已被加入黑名单。"
	ReasonGroupBlacklisted RejectReason = "❌ 本群已被加入黑名单。"
	ReasonUserNotListed    RejectReason = "❌ 您不在白名单中。"
	ReasonGroupNotListed   RejectReason = "❌ 本群不在白名单中。"
)

// InsufficientReason 返回余额不足的文案
func InsufficientReason(cost int) RejectReason {
	return RejectReason(fmt.Sprintf("❌ 次数不足 (需要 %d 次)。", cost))
}

// Context 是事务开始前的一次快照。GroupID 为空表示私聊。
type Context struct {
	UserID       string
	GroupID      string
	IsAdmin      bool
	UserBalance  int
	GroupBalance int

	UserBlacklist    []string
	GroupBlacklist   []string
	UserWhitelist    []string
	GroupWhitelist   []string
	EnableUserLimit  bool
	EnableGroupLimit bool
}

// State 事务状态
type State int

const (
	StateCreated State = iota
	StateAllowed
	StateRejected
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAllowed:
		return "allowed"
	case StateRejected:
		return "rejected"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// Transaction 是一次生成的额度事务。
//
// Created → Allowed | Rejected；Allowed → Committed | RolledBack。
// 结算之后再调用 Commit 或 Rollback 都不会产生效果。
type Transaction struct {
	state    State
	reason   RejectReason
	cost     int
	realCost int
	free     bool

	deductedUser  bool
	deductedGroup bool
}

// NewTransaction creates a transaction in the Created state.
func NewTransaction() *Transaction {
	return &Transaction{cost: 1}
}

// CheckPermission 判定是否允许本次生成，并记录拒绝原因
func (t *Transaction) CheckPermission(ctx Context, cost int) bool {
	if t.state != StateCreated {
		return t.state == StateAllowed
	}
	t.cost = cost
	t.realCost = 0

	if ctx.IsAdmin {
		t.state, t.free = StateAllowed, true
		return true
	}

	switch {
	case slices.Contains(ctx.UserBlacklist, ctx.UserID):
		return t.reject(ReasonUserBlacklisted)
	case ctx.GroupID != "" && slices.Contains(ctx.GroupBlacklist, ctx.GroupID):
		return t.reject(ReasonGroupBlacklisted)
	case len(ctx.UserWhitelist) > 0 && !slices.Contains(ctx.UserWhitelist, ctx.UserID):
		return t.reject(ReasonUserNotListed)
	case ctx.GroupID != "" && len(ctx.GroupWhitelist) > 0 && !slices.Contains(ctx.GroupWhitelist, ctx.GroupID):
		return t.reject(ReasonGroupNotListed)
	}

	canUserPay := !ctx.EnableUserLimit || ctx.UserBalance >= cost
	canGroupPay := ctx.GroupID != "" && ctx.EnableGroupLimit && ctx.GroupBalance >= cost

	if !ctx.EnableUserLimit && !ctx.EnableGroupLimit {
		t.free = true
	}
	if !canUserPay && !canGroupPay {
		return t.reject(InsufficientReason(cost))
	}
	t.state = StateAllowed
	return true
}

func (t *Transaction) reject(r RejectReason) bool {
	t.state, t.reason = StateRejected, r
	return false
}

// Commit 结算并返回扣费后的 (用户余额, 群组余额)。
// 群组优先扣费；都付不起时按零费用结算。未允许或已结算时原样返回快照余额。
func (t *Transaction) Commit(ctx Context) (user, group int) {
	user, group = ctx.UserBalance, ctx.GroupBalance
	if t.state != StateAllowed {
		return user, group
	}
	t.state = StateCommitted

	if t.free {
		t.realCost = 0
		return user, group
	}

	switch {
	case ctx.GroupID != "" && ctx.EnableGroupLimit && group >= t.cost:
		group -= t.cost
		t.deductedGroup, t.realCost = true, t.cost
	case ctx.EnableUserLimit && user >= t.cost:
		user -= t.cost
		t.deductedUser, t.realCost = true, t.cost
	default:
		t.realCost = 0
	}
	return user, group
}

// Rollback 使事务失效；已提交的事务不受影响
func (t *Transaction) Rollback() {
	if t.state != StateAllowed && t.state != StateCreated {
		return
	}
	t.state = StateRolledBack
	t.realCost = 0
}

func (t *Transaction) State() State         { return t.state }
func (t *Transaction) Allowed() bool        { return t.state == StateAllowed || t.state == StateCommitted }
func (t *Transaction) Reason() RejectReason { return t.reason }
func (t *Transaction) Cost() int            { return t.cost }
func (t *Transaction) RealCost() int        { return t.realCost }
func (t *Transaction) Free() bool           { return t.free }
func (t *Transaction) Committed() bool      { return t.state == StateCommitted }
func (t *Transaction) DeductedUser() bool   { return t.deductedUser }
func (t *Transaction) DeductedGroup() bool  { return t.deductedGroup }
