package handler

import (
	"errors"
	"io"
	"strconv"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/pricing"
	"coinledger/internal/repository"
	"coinledger/internal/service"
	"coinledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	balanceService      *service.BalanceService
	jobService          *service.JobService
	subscriptionService *service.SubscriptionService
	paymentService      *service.PaymentService
	auditService        *service.AuditService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	return &Handler{
		balanceService:      service.NewBalanceService(db, cfg),
		jobService:          service.NewJobService(db, rdb, cfg),
		subscriptionService: service.NewSubscriptionService(db, cfg),
		paymentService:      service.NewPaymentService(db, rdb, cfg),
		auditService:        service.NewAuditService(db),
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户余额
// GET /api/v1/account/balance?user_id=xxx
//
// 访问账户时顺带做一次惰性的套餐过期检查
func (h *Handler) GetBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	if _, err := h.subscriptionService.CheckAndDowngrade(c.Request.Context(), userID); err != nil {
		response.ServerError(c, err.Error())
		return
	}

	account, err := h.balanceService.GetAccount(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"user_id":         account.UserID,
		"balance":         account.Balance,
		"plan_key":        account.PlanKey,
		"plan_expires_at": account.PlanExpiresAt,
	})
}

// ListTransactions 查询用户流水（审计读路径）
// GET /api/v1/account/transactions?user_id=xxx&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	transactions, total, err := h.auditService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 任务相关接口
// ============================================================

// HoldJobRequest 冻结请求
type HoldJobRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	Operation string `json:"operation" binding:"required"` // video / image / tryon
}

// HoldJob 冻结金币并创建任务
// POST /api/v1/job/hold
//
// 【关键点】余额不足（1003）必须和其他失败区分开：
// 前者引导用户购买，后者保证没有扣到钱
func (h *Handler) HoldJob(c *gin.Context) {
	var req HoldJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	job, err := h.jobService.HoldAndStart(c.Request.Context(), req.UserID, req.Operation)
	if err != nil {
		h.renderJobError(c, err)
		return
	}

	response.Success(c, gin.H{
		"job_no":     job.JobNo,
		"operation":  job.Operation,
		"cost_coins": job.CostCoins,
		"status":     job.Status,
	})
}

// JobCallbackRequest 生成服务回报结果
type JobCallbackRequest struct {
	JobNo  string `json:"job_no" binding:"required"`
	Reason string `json:"reason"`
}

// JobSuccess 生成成功回调
// POST /api/v1/job/success
func (h *Handler) JobSuccess(c *gin.Context) {
	var req JobCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.jobService.OnSuccess(c.Request.Context(), req.JobNo); err != nil {
		h.renderJobError(c, err)
		return
	}

	response.Success(c, gin.H{"job_no": req.JobNo, "status": "SUCCEEDED"})
}

// JobError 生成失败回调（触发全额退款）
// POST /api/v1/job/error
func (h *Handler) JobError(c *gin.Context) {
	var req JobCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.jobService.OnError(c.Request.Context(), req.JobNo, req.Reason); err != nil {
		h.renderJobError(c, err)
		return
	}

	response.Success(c, gin.H{"job_no": req.JobNo, "refunded": true})
}

// RetryQuote 重试报价
// GET /api/v1/job/retry-quote?job_no=xxx&user_id=xxx
func (h *Handler) RetryQuote(c *gin.Context) {
	jobNo := c.Query("job_no")
	if jobNo == "" {
		response.ParamError(c, "job_no 参数不能为空")
		return
	}
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	cost, err := h.jobService.GetRetryCost(c.Request.Context(), jobNo)
	if err != nil {
		h.renderJobError(c, err)
		return
	}

	canRetry, err := h.jobService.CanRetry(c.Request.Context(), userID, jobNo)
	if err != nil {
		h.renderJobError(c, err)
		return
	}

	response.Success(c, gin.H{"job_no": jobNo, "retry_cost": cost, "can_retry": canRetry})
}

// RetryJob 重试（产生新任务号）
// POST /api/v1/job/retry
func (h *Handler) RetryJob(c *gin.Context) {
	var req struct {
		JobNo string `json:"job_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	job, err := h.jobService.Retry(c.Request.Context(), req.JobNo)
	if err != nil {
		h.renderJobError(c, err)
		return
	}

	response.Success(c, gin.H{
		"job_no":        job.JobNo,
		"parent_job_no": job.ParentJobNo,
		"cost_coins":    job.CostCoins,
		"retry_count":   job.RetryCount,
		"status":        job.Status,
	})
}

// ListJobs 查询用户任务历史
// GET /api/v1/job/list?user_id=xxx&page=1&page_size=20
func (h *Handler) ListJobs(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	jobs, total, err := h.auditService.ListJobs(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      jobs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 套餐相关接口
// ============================================================

// ListPlans 套餐价格表
// GET /api/v1/plan/list
func (h *Handler) ListPlans(c *gin.Context) {
	response.Success(c, gin.H{"plans": pricing.Plans()})
}

// ============================================================
// 支付相关接口
// ============================================================

// PaymentIntentRequest 下单请求
type PaymentIntentRequest struct {
	UserID      int64  `json:"user_id" binding:"required"`
	ProductType string `json:"product_type" binding:"required"` // PLAN / COINS
	ProductID   string `json:"product_id" binding:"required"`   // 套餐 key 或金币数
	AmountCents int64  `json:"amount_cents"`                    // PLAN 商品忽略此字段
}

// CreatePaymentIntent 生成支付链接
// POST /api/v1/payment/intent
func (h *Handler) CreatePaymentIntent(c *gin.Context) {
	var req PaymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	payment, err := h.paymentService.RecordPaymentIntent(
		c.Request.Context(), req.UserID, req.ProductType, req.ProductID, req.AmountCents)
	if err != nil {
		h.renderPaymentError(c, err)
		return
	}

	response.Success(c, gin.H{
		"payment_no":   payment.PaymentNo,
		"pay_url":      payment.PayURL,
		"amount_cents": payment.AmountCents,
		"status":       payment.Status,
	})
}

// PaymentWebhook 渠道回调入口
// POST /api/v1/payment/webhook
//
// 【关键点】验签在读取任何字段之前；重复投递返回 200，
// 渠道才会停止重推。处理失败返回非零 code，渠道会再次投递
func (h *Handler) PaymentWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.ParamError(c, "读取回调载荷失败")
		return
	}

	signature := c.GetHeader("X-Webhook-Signature")

	result, err := h.paymentService.IngestNotification(c.Request.Context(), rawBody, signature)
	if err != nil {
		h.renderPaymentError(c, err)
		return
	}

	response.Success(c, result)
}

// GetPaymentStatus 查询支付单状态（前端轮询支付结果用）
// GET /api/v1/payment/status?payment_no=xxx
func (h *Handler) GetPaymentStatus(c *gin.Context) {
	paymentNo := c.Query("payment_no")
	if paymentNo == "" {
		response.ParamError(c, "payment_no 参数不能为空")
		return
	}

	payment, err := h.paymentService.GetPayment(c.Request.Context(), paymentNo)
	if err != nil {
		h.renderPaymentError(c, err)
		return
	}

	response.Success(c, gin.H{
		"payment_no":   payment.PaymentNo,
		"status":       payment.Status,
		"product_type": payment.ProductType,
		"product_id":   payment.ProductID,
		"amount_cents": payment.AmountCents,
		"paid_at":      payment.PaidAt,
	})
}

// ListPayments 查询用户支付历史
// GET /api/v1/payment/list?user_id=xxx&page=1&page_size=20
func (h *Handler) ListPayments(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	payments, total, err := h.paymentService.ListUserPayments(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      payments,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 管理接口
// ============================================================

// AdminResolveTransactionRequest 人工裁决滞留流水
type AdminResolveTransactionRequest struct {
	TransactionNo string `json:"transaction_no" binding:"required"`
	Status        string `json:"status" binding:"required"` // COMPLETED / FAILED
}

// AdminResolveTransaction 管理端裁决一条滞留在 PENDING 的流水
// POST /api/v1/admin/transaction/resolve
//
// 对账发现任务回调彻底丢失时的人工出口：
// 确认结果已交付记 COMPLETED（扣款坐实）；
// 确认失败且已线下补偿记 FAILED（关单，不走自动退款）。
// REFUNDED 不在这里开放——退款必须走 OnError 的资金路径
func (h *Handler) AdminResolveTransaction(c *gin.Context) {
	var req AdminResolveTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if req.Status != model.TransactionStatusCompleted && req.Status != model.TransactionStatusFailed {
		response.ParamError(c, "status 只能是 COMPLETED 或 FAILED")
		return
	}

	if err := h.balanceService.MarkTransaction(c.Request.Context(), req.TransactionNo, req.Status); err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"transaction_no": req.TransactionNo, "status": req.Status})
}

// AdminListStalePayments 长期 PENDING 的支付单（对账用）
// GET /api/v1/admin/payments/stale?older_than_hours=24&limit=100
func (h *Handler) AdminListStalePayments(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("older_than_hours", "24"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	payments, err := h.paymentService.ListStalePending(
		c.Request.Context(), time.Duration(hours)*time.Hour, limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"list": payments, "count": len(payments)})
}

// AdminListTransactionsByKind 按流水类别查询（运营报表用）
// GET /api/v1/admin/transactions?kind=refund:JOBxxx&page=1&page_size=20
func (h *Handler) AdminListTransactionsByKind(c *gin.Context) {
	kind := c.Query("kind")
	if kind == "" {
		response.ParamError(c, "kind 参数不能为空")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	transactions, total, err := h.auditService.ListTransactionsByKind(c.Request.Context(), kind, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// AdminSetBalanceRequest 设置余额
type AdminSetBalanceRequest struct {
	UserID  int64 `json:"user_id" binding:"required"`
	Balance int64 `json:"balance"`
}

// AdminSetBalance 管理端设置余额
// POST /api/v1/admin/balance/set
func (h *Handler) AdminSetBalance(c *gin.Context) {
	var req AdminSetBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	transactionNo, err := h.balanceService.AdminSetBalance(c.Request.Context(), req.UserID, req.Balance)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"transaction_no": transactionNo, "balance": req.Balance})
}

// AdminGrantRequest 赠币
type AdminGrantRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// AdminGrant 管理端赠币
// POST /api/v1/admin/coins/grant
func (h *Handler) AdminGrant(c *gin.Context) {
	var req AdminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	transactionNo, err := h.balanceService.AdminGrant(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"transaction_no": transactionNo})
}

// AdminActivatePlanRequest 手工激活套餐（客服补单用）
type AdminActivatePlanRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	PlanKey string `json:"plan_key" binding:"required"`
}

// AdminActivatePlan 管理端激活套餐
// POST /api/v1/admin/plan/activate
func (h *Handler) AdminActivatePlan(c *gin.Context) {
	var req AdminActivatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.subscriptionService.ActivatePlan(c.Request.Context(), req.UserID, req.PlanKey)
	if err != nil {
		h.renderPaymentError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":         account.UserID,
		"plan_key":        account.PlanKey,
		"plan_expires_at": account.PlanExpiresAt,
		"balance":         account.Balance,
	})
}

// ============================================================
// 错误映射
// ============================================================

func (h *Handler) renderJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrInsufficientFunds):
		response.BusinessError(c, response.CodeInsufficientFunds, "金币余额不足")
	case errors.Is(err, pricing.ErrUnknownOperation):
		response.BusinessError(c, response.CodeUnknownProduct, err.Error())
	case errors.Is(err, repository.ErrJobNotFound):
		response.BusinessError(c, response.CodeJobNotFound, err.Error())
	case errors.Is(err, service.ErrRetryLimit):
		response.BusinessError(c, response.CodeRetryLimit, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, response.CodeInvalidAmount, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

func (h *Handler) renderPaymentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidSignature):
		response.BusinessError(c, response.CodeInvalidSignature, err.Error())
	case errors.Is(err, pricing.ErrUnknownPlan):
		response.BusinessError(c, response.CodeUnknownPlan, err.Error())
	case errors.Is(err, service.ErrUnknownProduct):
		response.BusinessError(c, response.CodeUnknownProduct, err.Error())
	case errors.Is(err, repository.ErrPaymentNotFound):
		response.BusinessError(c, response.CodePaymentNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, response.CodeInvalidAmount, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}
