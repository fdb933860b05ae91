package handler

import (
	"coinledger/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 账户相关
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
		}

		// 任务相关（生成服务通过 success/error 回报结果）
		job := api.Group("/job")
		{
			job.POST("/hold", h.HoldJob)
			job.POST("/success", h.JobSuccess)
			job.POST("/error", h.JobError)
			job.GET("/retry-quote", h.RetryQuote)
			job.POST("/retry", h.RetryJob)
			job.GET("/list", h.ListJobs)
		}

		// 套餐相关
		plan := api.Group("/plan")
		{
			plan.GET("/list", h.ListPlans)
		}

		// 支付相关
		payment := api.Group("/payment")
		{
			payment.POST("/intent", h.CreatePaymentIntent)
			payment.POST("/webhook", h.PaymentWebhook)
			payment.GET("/status", h.GetPaymentStatus)
			payment.GET("/list", h.ListPayments)
		}

		// 管理相关
		admin := api.Group("/admin")
		{
			admin.POST("/balance/set", h.AdminSetBalance)
			admin.POST("/coins/grant", h.AdminGrant)
			admin.POST("/plan/activate", h.AdminActivatePlan)
			admin.POST("/transaction/resolve", h.AdminResolveTransaction)
			admin.GET("/transactions", h.AdminListTransactionsByKind)
			admin.GET("/payments/stale", h.AdminListStalePayments)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
