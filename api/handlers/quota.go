package handlers

import (
	"net/http"

	"github.com/BaSui01/bananaflow/quota"
	"github.com/BaSui01/bananaflow/types"
	"go.uber.org/zap"
)

// QuotaLedger 是额度接口需要的账本能力，通常是 *quota.Ledger
type QuotaLedger interface {
	QuotaContext(userID, groupID string, isAdmin bool) quota.Context
	Checkin(userID string) quota.CheckinResult
	ModifyBalance(scope quota.Scope, id string, delta int) int
	SetBalance(scope quota.Scope, id string, value int) int
	Leaderboard() quota.Leaderboard
}

// QuotaHandler 余额、签到与排行
type QuotaHandler struct {
	ledger QuotaLedger
	logger *zap.Logger
}

// NewQuotaHandler 创建 QuotaHandler
func NewQuotaHandler(ledger QuotaLedger, logger *zap.Logger) *QuotaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuotaHandler{ledger: ledger, logger: logger.With(zap.String("handler", "quota"))}
}

// BalanceResponse GET /api/v1/quota/balance 响应
type BalanceResponse struct {
	UserID           string `json:"user_id"`
	GroupID          string `json:"group_id,omitempty"`
	IsAdmin          bool   `json:"is_admin"`
	UserBalance      int    `json:"user_balance"`
	GroupBalance     int    `json:"group_balance"`
	UserLimitEnabled bool   `json:"user_limit_enabled"`
	GroupLimitEnabled bool  `json:"group_limit_enabled"`
}

// AdminBalanceRequest POST /api/v1/quota/admin/balance 请求体。
// Delta 与 Value 恰好给出一个：Delta 增减（结果不低于 0），Value 直接设置。
type AdminBalanceRequest struct {
	Scope string `json:"scope" validate:"required,oneof=user group"`
	ID    string `json:"id" validate:"required,max=64"`
	Delta *int   `json:"delta,omitempty"`
	Value *int   `json:"value,omitempty"`
}

// HandleBalance GET /api/v1/quota/balance
func (h *QuotaHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	qc := h.ledger.QuotaContext(id.UserID, id.GroupID, id.IsAdmin)
	WriteSuccess(w, BalanceResponse{
		UserID:           id.UserID,
		GroupID:          id.GroupID,
		IsAdmin:          id.IsAdmin,
		UserBalance:      qc.UserBalance,
		GroupBalance:     qc.GroupBalance,
		UserLimitEnabled: qc.EnableUserLimit,
		GroupLimitEnabled: qc.EnableGroupLimit,
	})
}

// HandleCheckin POST /api/v1/quota/checkin。
// 未开启或重复签到不算错误，结果里 ok 为 false。
func (h *QuotaHandler) HandleCheckin(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	WriteSuccess(w, h.ledger.Checkin(id.UserID))
}

// HandleAdminBalance POST /api/v1/quota/admin/balance
func (h *QuotaHandler) HandleAdminBalance(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	var req AdminBalanceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	scope, ok := quota.ParseScope(req.Scope)
	if !ok {
		WriteError(w, types.Errorf(types.KindInvalidArgument, "unknown scope %q", req.Scope), h.logger)
		return
	}
	if (req.Delta == nil) == (req.Value == nil) {
		WriteErrorMessage(w, types.KindInvalidArgument, "exactly one of delta or value is required", h.logger)
		return
	}

	var balance int
	op := "set"
	if req.Delta != nil {
		op = "modify"
		balance = h.ledger.ModifyBalance(scope, req.ID, *req.Delta)
	} else {
		balance = h.ledger.SetBalance(scope, req.ID, *req.Value)
	}

	h.logger.Info("balance changed by admin",
		zap.String("admin", admin.UserID),
		zap.String("op", op),
		zap.String("scope", string(scope)),
		zap.String("id", req.ID),
		zap.Int("balance", balance),
	)
	WriteSuccess(w, map[string]any{"scope": scope, "id": req.ID, "balance": balance})
}

// HandleLeaderboard GET /api/v1/quota/leaderboard
func (h *QuotaHandler) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r, h.logger); !ok {
		return
	}
	WriteSuccess(w, h.ledger.Leaderboard())
}
