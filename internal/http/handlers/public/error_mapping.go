package public

import (
	"errors"

	"github.com/malaika-next/internal/http/response"
	"github.com/malaika-next/internal/service"

	"github.com/gin-gonic/gin"
)

// mappedHandlerError 定义业务错误到接口错误响应的映射关系。
type mappedHandlerError struct {
	target error
	code   int
	msg    string
}

func respondWithMappedError(c *gin.Context, err error, rules []mappedHandlerError, fallbackCode int, fallbackMsg string) {
	for _, rule := range rules {
		if errors.Is(err, rule.target) {
			respondError(c, rule.code, rule.msg, nil)
			return
		}
	}
	respondError(c, fallbackCode, fallbackMsg, err)
}

var paymentInitiateErrorRules = []mappedHandlerError{
	{target: service.ErrPaymentInvalid, code: response.CodeBadRequest, msg: "payment request invalid"},
	{target: service.ErrPaymentPayableKindInvalid, code: response.CodeBadRequest, msg: "payable kind invalid"},
	{target: service.ErrPaymentAmountInvalid, code: response.CodeBadRequest, msg: "payment amount invalid"},
	{target: service.ErrUserNotFound, code: response.CodeNotFound, msg: "user not found"},
	{target: service.ErrUserDisabled, code: response.CodeUnauthorized, msg: "user disabled"},
	{target: service.ErrPaymentGatewayConfigInvalid, code: response.CodeInternal, msg: "payment gateway not configured"},
	{target: service.ErrPaymentGatewayRequestFailed, code: response.CodeBadRequest, msg: "payment gateway request failed"},
	{target: service.ErrPaymentGatewayResponseInvalid, code: response.CodeBadRequest, msg: "payment gateway response invalid"},
}

var paymentFetchErrorRules = []mappedHandlerError{
	{target: service.ErrPaymentInvalid, code: response.CodeBadRequest, msg: "payment request invalid"},
	{target: service.ErrPaymentNotFound, code: response.CodeNotFound, msg: "payment not found"},
	{target: service.ErrPaymentAccessDenied, code: response.CodeNotFound, msg: "payment not found"},
}

func respondPaymentInitiateError(c *gin.Context, err error) {
	respondWithMappedError(c, err, paymentInitiateErrorRules, response.CodeInternal, "payment create failed")
}

func respondPaymentFetchError(c *gin.Context, err error) {
	respondWithMappedError(c, err, paymentFetchErrorRules, response.CodeInternal, "payment fetch failed")
}
