package job

import (
	"context"
	"log"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/service"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// StaleJobReaper 超时任务补偿
//
// 扣款和任务创建在同一个事务里，不会出现"钱扣了没任务"；
// 但生成服务崩溃会留下永远等不到回调的 RUNNING 任务。
// 这个任务周期性把超时的 RUNNING 按失败处理，走统一的退款路径，
// 冻结的金币不会搁浅
type StaleJobReaper struct {
	db         *gorm.DB
	jobService *service.JobService
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewStaleJobReaper(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *StaleJobReaper {
	return &StaleJobReaper{
		db:         db,
		jobService: service.NewJobService(db, rdb, cfg),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   30 * time.Second,
		batchSize:  50,
	}
}

func (j *StaleJobReaper) Start(ctx context.Context) {
	log.Println("[StaleJobReaper] 超时任务补偿启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[StaleJobReaper] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[StaleJobReaper] 任务停止")
			return
		case <-ticker.C:
			j.reap(ctx)
		}
	}
}

func (j *StaleJobReaper) Stop() {
	close(j.stopCh)
}

func (j *StaleJobReaper) reap(ctx context.Context) {
	reaped, err := j.jobService.ReapStaleJobs(ctx, j.batchSize)
	if err != nil {
		log.Printf("[StaleJobReaper] 查询超时任务失败: %v", err)
		return
	}

	if reaped > 0 {
		log.Printf("[StaleJobReaper] 本次补偿退款 %d 个超时任务", reaped)
	}
}
