package public

import (
	"net/http"
	"strings"

	"github.com/malaika-next/internal/service"

	"github.com/gin-gonic/gin"
)

// ipnAckStatusOK 网关约定的 IPN 确认状态码。
const ipnAckStatusOK = 200

// IPNRequest 网关 IPN 通知参数，GET 走 query，POST 走 JSON。
type IPNRequest struct {
	OrderTrackingID       string `form:"OrderTrackingId" json:"OrderTrackingId"`
	OrderMerchantRef      string `form:"OrderMerchantReference" json:"OrderMerchantReference"`
	OrderNotificationType string `form:"OrderNotificationType" json:"OrderNotificationType"`
}

// PaymentIPN 处理网关服务端到服务端的支付通知。
// 通知只携带 tracking id，真实状态必须回查网关；无论对账结果如何都按协议确认收到，
// 避免网关对同一通知无限重发。
func (h *Handler) PaymentIPN(c *gin.Context) {
	var req IPNRequest
	if c.Request.Method == http.MethodPost {
		if err := c.ShouldBindJSON(&req); err != nil {
			requestLog(c).Warnw("payment_ipn_bad_payload", "error", err)
			c.JSON(http.StatusOK, ipnAckResponse(req, http.StatusInternalServerError))
			return
		}
	} else {
		if err := c.ShouldBindQuery(&req); err != nil {
			requestLog(c).Warnw("payment_ipn_bad_payload", "error", err)
			c.JSON(http.StatusOK, ipnAckResponse(req, http.StatusInternalServerError))
			return
		}
	}

	trackingID := strings.TrimSpace(req.OrderTrackingID)
	log := requestLog(c)
	log.Infow("payment_ipn_received",
		"tracking_id", trackingID,
		"merchant_ref", strings.TrimSpace(req.OrderMerchantRef),
		"notification_type", strings.TrimSpace(req.OrderNotificationType),
		"client_ip", c.ClientIP(),
	)

	if err := h.PaymentService.HandleIPN(service.HandleIPNInput{
		TrackingID:       trackingID,
		NotificationType: req.OrderNotificationType,
		Context:          c.Request.Context(),
	}); err != nil {
		log.Warnw("payment_ipn_failed", "tracking_id", trackingID, "error", err)
		c.JSON(http.StatusOK, ipnAckResponse(req, http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, ipnAckResponse(req, ipnAckStatusOK))
}

func ipnAckResponse(req IPNRequest, status int) gin.H {
	return gin.H{
		"orderNotificationType":  req.OrderNotificationType,
		"orderTrackingId":        req.OrderTrackingID,
		"orderMerchantReference": req.OrderMerchantRef,
		"status":                 status,
	}
}
