package public

import (
	"net/http"
	"strings"

	"github.com/malaika-next/internal/service"

	"github.com/gin-gonic/gin"
)

// PaymentCallback 处理网关支付完成后的浏览器回跳。
// 回跳参数不可信，最终状态以回查网关为准。
func (h *Handler) PaymentCallback(c *gin.Context) {
	merchantRef := strings.TrimSpace(c.Query("OrderMerchantReference"))
	trackingID := strings.TrimSpace(c.Query("OrderTrackingId"))

	log := requestLog(c)
	log.Infow("payment_callback_received",
		"merchant_ref", merchantRef,
		"tracking_id", trackingID,
		"client_ip", c.ClientIP(),
	)

	result, err := h.PaymentService.HandleCallback(service.HandleCallbackInput{
		MerchantRef: merchantRef,
		TrackingID:  trackingID,
		Context:     c.Request.Context(),
	})
	if err != nil {
		log.Warnw("payment_callback_failed",
			"merchant_ref", merchantRef,
			"tracking_id", trackingID,
			"error", err,
		)
		c.Redirect(http.StatusFound, h.PaymentService.FailureRedirectURL(merchantRef))
		return
	}

	c.Redirect(http.StatusFound, result.RedirectURL)
}
