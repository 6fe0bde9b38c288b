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

// 业务错误码，与服务层的哨兵错误一一对应
const (
	CodeInvalidQuantity        = 1001 // 购买数量不合法
	CodeAmountMismatch         = 1002 // 客户端金额与服务端计价不一致
	CodeInsufficientBalance    = 1003 // 余额不足
	CodeConcurrentConflict     = 1004 // 乐观锁冲突重试耗尽
	CodeInvalidStateTransition = 1005 // 订单状态不允许该操作
	CodeOrderNotFound          = 1006 // 订单不存在
	CodeServiceNotFound        = 1007 // 服务不存在或已下架
	CodeGatewayUnavailable     = 1008 // 支付网关暂不可用
	CodeWalletNotFound         = 1009 // 钱包不存在
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

func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Code:    CodeUnauthorized,
		Message: message,
	})
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
