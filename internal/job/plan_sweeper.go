package job

import (
	"context"
	"log"

	"coinledger/internal/config"
	"coinledger/internal/service"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// PlanSweeper 套餐过期清理
// 按 cron 表达式批量降级过期套餐。降级本身是幂等的条件更新，
// 和请求路径的惰性检查并发执行也不会重复降级
type PlanSweeper struct {
	subscriptionService *service.SubscriptionService
	cfg                 *config.Config
	cron                *cron.Cron
}

func NewPlanSweeper(db *gorm.DB, cfg *config.Config) *PlanSweeper {
	return &PlanSweeper{
		subscriptionService: service.NewSubscriptionService(db, cfg),
		cfg:                 cfg,
		cron:                cron.New(),
	}
}

func (j *PlanSweeper) Start(ctx context.Context) {
	spec := j.cfg.Business.PlanSweepCron
	if spec == "" {
		spec = "@hourly"
	}

	_, err := j.cron.AddFunc(spec, func() {
		j.sweep(ctx)
	})
	if err != nil {
		log.Fatalf("[PlanSweeper] cron 表达式不合法: spec=%s, err=%v", spec, err)
	}

	j.cron.Start()
	log.Printf("[PlanSweeper] 套餐过期清理启动: spec=%s", spec)

	<-ctx.Done()
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
	log.Println("[PlanSweeper] 任务停止")
}

func (j *PlanSweeper) sweep(ctx context.Context) {
	downgraded, err := j.subscriptionService.SweepExpiredPlans(ctx)
	if err != nil {
		log.Printf("[PlanSweeper] 批量降级失败: %v", err)
		return
	}

	if len(downgraded) > 0 {
		log.Printf("[PlanSweeper] 本次降级 %d 个过期套餐账户", len(downgraded))
	}
}
