package pricing

import (
	"errors"
	"strconv"
)

// ============================================================================
// 价格表
// ============================================================================
//
// 纯静态数据，进程启动后不可变。运行期没有任何写路径，
// 所以这里不需要锁，也不允许其他包修改这些映射。

var (
	ErrUnknownOperation = errors.New("未知的计费操作")
	ErrUnknownPlan      = errors.New("未知的套餐")
)

// 计费操作
const (
	OperationVideo = "video" // 视频生成
	OperationImage = "image" // 图片生成
	OperationTryon = "tryon" // 服装试穿
)

// operationCosts 操作 -> 金币价格
var operationCosts = map[string]int64{
	OperationVideo: 20,
	OperationImage: 5,
	OperationTryon: 10,
}

// Plan 套餐元数据（key、售价、金币赠额、时长）
type Plan struct {
	Key          string `json:"key"`
	Title        string `json:"title"`
	PriceCents   int64  `json:"price_cents"`
	CoinGrant    int64  `json:"coin_grant"`
	DurationDays int    `json:"duration_days"`
}

// plans 可购买套餐表。free 不在其中：free 不可购买，只作为降级目标
var plans = map[string]Plan{
	"standard": {
		Key:          "standard",
		Title:        "标准版",
		PriceCents:   49900,
		CoinGrant:    210,
		DurationDays: 30,
	},
	"pro": {
		Key:          "pro",
		Title:        "专业版",
		PriceCents:   99900,
		CoinGrant:    500,
		DurationDays: 30,
	},
}

// OperationCost 查操作价格
func OperationCost(operation string) (int64, error) {
	cost, ok := operationCosts[operation]
	if !ok {
		return 0, ErrUnknownOperation
	}
	return cost, nil
}

// RetryCost 查重试价格
//
// 【策略】重试按原价收费：价格只由任务存储的操作类型决定，
// 同一个任务无论重试多少次，报价都是确定的
func RetryCost(operation string) (int64, error) {
	return OperationCost(operation)
}

// PlanByKey 查套餐元数据
func PlanByKey(key string) (Plan, error) {
	plan, ok := plans[key]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return plan, nil
}

// Plans 返回全部可购买套餐（拷贝，调用方改不到内部表）
func Plans() []Plan {
	out := make([]Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p)
	}
	return out
}

// ParseCoinProduct 解析 COINS 商品的 product_id（金币数量字符串）
func ParseCoinProduct(productID string) (int64, error) {
	coins, err := strconv.ParseInt(productID, 10, 64)
	if err != nil || coins <= 0 {
		return 0, errors.New("金币商品数量不合法")
	}
	return coins, nil
}
