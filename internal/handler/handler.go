package handler

import (
	"context"
	"errors"
	"strconv"

	"gigorder/internal/gateway"
	"gigorder/internal/pricing"
	"gigorder/internal/repository"
	"gigorder/internal/service"
	"gigorder/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	orderService  *service.OrderService
	walletService *service.WalletService
}

func NewHandler(orderService *service.OrderService, walletService *service.WalletService) *Handler {
	return &Handler{
		orderService:  orderService,
		walletService: walletService,
	}
}

// writeError 服务层错误到业务码的统一映射
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pricing.ErrInvalidQuantity):
		response.BusinessError(c, response.CodeInvalidQuantity, err.Error())
	case errors.Is(err, service.ErrAmountMismatch):
		response.BusinessError(c, response.CodeAmountMismatch, err.Error())
	case errors.Is(err, repository.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, err.Error())
	case errors.Is(err, service.ErrConcurrentModification), errors.Is(err, repository.ErrOptimisticLock):
		response.BusinessError(c, response.CodeConcurrentConflict, err.Error())
	case errors.Is(err, repository.ErrInvalidStateChange):
		response.BusinessError(c, response.CodeInvalidStateTransition, err.Error())
	case errors.Is(err, repository.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, err.Error())
	case errors.Is(err, repository.ErrServiceNotFound):
		response.BusinessError(c, response.CodeServiceNotFound, err.Error())
	case errors.Is(err, repository.ErrWalletNotFound):
		response.BusinessError(c, response.CodeWalletNotFound, err.Error())
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		response.BusinessError(c, response.CodeGatewayUnavailable, gateway.ErrGatewayUnavailable.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 订单接口
// ============================================================

// PreviewOrder 下单预览
// GET /api/v1/order/preview?service_id=xxx&quantity=1
func (h *Handler) PreviewOrder(c *gin.Context) {
	serviceID, err := strconv.ParseInt(c.Query("service_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "service_id 参数错误")
		return
	}
	// 数量缺省时取服务配置的默认值
	quantity, _ := strconv.Atoi(c.DefaultQuery("quantity", "0"))

	result, err := h.orderService.Preview(c.Request.Context(), CurrentUserID(c), serviceID, quantity)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"provider": result.Provider,
		"service":  result.Service,
		"price": gin.H{
			"unit_price": result.Service.UnitPrice,
			"unit":       result.Service.Unit,
		},
		"quantity_options": gin.H{
			"min":     result.Service.MinQuantity,
			"max":     result.Service.MaxQuantity,
			"default": result.Service.DefaultQuantity,
		},
		"preview":      result.Quote,
		"user_balance": result.UserBalance,
	})
}

// UpdatePreviewRequest 调整数量重新计价
type UpdatePreviewRequest struct {
	ServiceID int64 `json:"service_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

// UpdatePreview 调整数量后重新计价
// POST /api/v1/order/preview/update
func (h *Handler) UpdatePreview(c *gin.Context) {
	var req UpdatePreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	quote, err := h.orderService.UpdatePreview(c.Request.Context(), req.ServiceID, req.Quantity)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, quote)
}

// CreateOrderRequest 创建订单请求
//
// TotalAmount 是客户端看到的总价，服务端重新计价比对防篡改
type CreateOrderRequest struct {
	ServiceID   int64           `json:"service_id" binding:"required"`
	Quantity    int             `json:"quantity" binding:"required,gt=0"`
	TotalAmount decimal.Decimal `json:"total_amount" binding:"required"`
}

// CreateOrder 创建订单并从钱包扣款
// POST /api/v1/order/create
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	userID := CurrentUserID(c)
	order, err := h.orderService.Create(c.Request.Context(), userID, req.ServiceID, req.Quantity, req.TotalAmount)
	if err != nil {
		writeError(c, err)
		return
	}

	balance, balErr := h.walletService.GetBalance(c.Request.Context(), userID)
	if balErr != nil {
		balance = decimal.Zero
	}

	response.Success(c, gin.H{
		"order_id": order.ID,
		"order_no": order.OrderNo,
		"amount":   order.TotalAmount,
		// 余额支付在下单事务内完成，无须再跳转收银台
		"need_payment": false,
		"payment_info": gin.H{
			"amount":             order.TotalAmount,
			"currency":           "CNY",
			"user_balance":       balance,
			"sufficient_balance": true,
		},
	})
}

// GetOrderStatus 查询订单状态
// GET /api/v1/order/status?order_id=xxx
func (h *Handler) GetOrderStatus(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Query("order_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "order_id 参数错误")
		return
	}

	view, err := h.orderService.GetStatus(c.Request.Context(), orderID, CurrentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	actions := make([]gin.H, 0, len(view.Actions))
	for _, a := range view.Actions {
		actions = append(actions, gin.H{"action": a})
	}

	response.Success(c, gin.H{
		"status":       view.Status,
		"status_label": view.StatusLabel,
		"auto_cancel": gin.H{
			"enabled":           view.AutoCancelOn,
			"remaining_seconds": view.RemainingSeconds,
		},
		"actions": actions,
	})
}

// CancelOrderRequest 取消订单请求
type CancelOrderRequest struct {
	OrderID int64  `json:"order_id" binding:"required"`
	Reason  string `json:"reason"`
}

// CancelOrder 取消订单并退款
// POST /api/v1/order/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req CancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "用户取消"
	}

	result, err := h.orderService.Cancel(c.Request.Context(), req.OrderID, CurrentUserID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"status":        "cancelled",
		"refund_amount": result.RefundAmount,
		"balance":       result.Balance,
	})
}

// GetOrderDetail 查询订单详情
// GET /api/v1/order/detail?order_id=xxx
func (h *Handler) GetOrderDetail(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Query("order_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "order_id 参数错误")
		return
	}

	result, err := h.orderService.GetDetail(c.Request.Context(), orderID, CurrentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"order":            result.Order,
		"provider":         result.Provider,
		"service":          result.Service,
		"amount":           result.Order.TotalAmount,
		"auto_cancel_time": result.Order.AutoCancelAt,
	})
}

// ListOrders 查询用户订单列表
// GET /api/v1/order/list?page=1&page_size=10
func (h *Handler) ListOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	orders, total, err := h.orderService.ListOrders(c.Request.Context(), CurrentUserID(c), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// OrderActionRequest 服务方动作请求
type OrderActionRequest struct {
	OrderID int64 `json:"order_id" binding:"required"`
}

// AcceptOrder 服务方接单
// POST /api/v1/order/accept
func (h *Handler) AcceptOrder(c *gin.Context) {
	h.providerAction(c, h.orderService.Accept)
}

// StartOrder 开始服务
// POST /api/v1/order/start
func (h *Handler) StartOrder(c *gin.Context) {
	h.providerAction(c, h.orderService.Start)
}

// CompleteOrder 完成订单
// POST /api/v1/order/complete
func (h *Handler) CompleteOrder(c *gin.Context) {
	h.providerAction(c, h.orderService.Complete)
}

// ============================================================
// 钱包接口
// ============================================================

// GetWalletBalance 查询钱包
// GET /api/v1/wallet/balance
func (h *Handler) GetWalletBalance(c *gin.Context) {
	wallet, err := h.walletService.GetWallet(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":       wallet.UserID,
		"balance":       wallet.Balance,
		"frozen":        wallet.Frozen,
		"coin_balance":  wallet.CoinBalance,
		"total_income":  wallet.TotalIncome,
		"total_expense": wallet.TotalExpense,
		"total_assets":  wallet.TotalAssets(),
	})
}

// RechargeRequest 充值请求
type RechargeRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// Recharge 充值接口（简化版，实际应走支付渠道回调）
// POST /api/v1/wallet/recharge
func (h *Handler) Recharge(c *gin.Context) {
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	userID := CurrentUserID(c)
	txnNo, err := h.walletService.Recharge(c.Request.Context(), userID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}

	balance, err := h.walletService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_no": txnNo,
		"balance":        balance,
	})
}

// ListTransactions 查询钱包流水
// GET /api/v1/wallet/transactions?page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	transactions, total, err := h.walletService.ListTransactions(c.Request.Context(), CurrentUserID(c), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (h *Handler) providerAction(c *gin.Context, action func(ctx context.Context, orderID, providerID int64) error) {
	var req OrderActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := action(c.Request.Context(), req.OrderID, CurrentUserID(c)); err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{"order_id": req.OrderID})
}
