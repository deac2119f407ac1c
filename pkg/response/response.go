package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stakeflow/internal/consts"
	"stakeflow/pkg/errors"
	"stakeflow/pkg/errors/ecode"
)

// 代表响应给客户端的的一个消息结构，包括错误码，错误信息，响应数据
type ApiResponse struct {
	RequestId string      `json:"request_id"` // 请求的唯一ID
	Code      int         `json:"code"`       // 错误码 0表示无错误
	Message   string      `json:"message"`    // 提示信息
	Data      interface{} `json:"data"`       // 响应数据
}

// 失败时大部分返回400，冲突和不存在单独区分
func httpStatus(code int) int {
	switch code {
	case ecode.Success:
		return http.StatusOK
	case ecode.RequireAuthErr:
		return http.StatusUnauthorized
	case ecode.NotFoundErr:
		return http.StatusNotFound
	case ecode.ConflictErr:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// 发送json格式数据
func JSON(c *gin.Context, err error, data interface{}) {
	code, message := errors.DecodeErr(err)
	c.JSON(httpStatus(code), ApiResponse{
		RequestId: c.GetString(consts.RequestId),
		Code:      code,
		Message:   message,
		Data:      data,
	})
}

// token鉴权失败，返回401
func RequireAuthErr(c *gin.Context, err error) {
	message := "unknow error."
	if err != nil {
		message = err.Error()
	}
	c.JSON(http.StatusUnauthorized, ApiResponse{
		RequestId: c.GetString(consts.RequestId),
		Code:      ecode.RequireAuthErr,
		Message:   "invalid token:" + message,
	})
}

// 只读token访问写接口，返回403
func Forbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, ApiResponse{
		RequestId: c.GetString(consts.RequestId),
		Code:      ecode.RequireAuthErr,
		Message:   "operation not permitted for this token",
	})
}

// 请求频繁，返回429
func TooManyRequests(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, ApiResponse{
		RequestId: c.GetString(consts.RequestId),
		Code:      ecode.TooManyRequests,
		Message:   "The request is too frequent. Please try again later.",
	})
}
