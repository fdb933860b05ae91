package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码
//
// 调用方（对话前端）靠 code 区分两类失败：
// "金币不够去充值"（1003）和"出错了但没扣你钱"（其余）
const (
	CodeInsufficientFunds = 1003 // 余额不足，引导购买
	CodeAccountNotFound   = 1005 // 账户不存在（内部使用，对外默认自动建户）
	CodeInvalidAmount     = 1008 // 金额不合法，属于编程错误
	CodeUnknownPlan       = 1009 // 套餐 key 与价格表不匹配
	CodeUnknownProduct    = 1010 // 商品描述与价格表不匹配
	CodeJobNotFound       = 1011 // 任务不存在
	CodeRetryLimit        = 1012 // 重试次数已达上限
	CodeInvalidSignature  = 1013 // 回调签名校验失败
	CodePaymentNotFound   = 1014 // 支付单不存在
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
