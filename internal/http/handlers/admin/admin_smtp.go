package admin

import (
	"errors"
	"strings"

	"github.com/malaika-next/internal/http/response"
	"github.com/malaika-next/internal/service"

	"github.com/gin-gonic/gin"
)

// SMTPTestSendRequest SMTP 测试发送请求
type SMTPTestSendRequest struct {
	ToEmail string `json:"to_email" binding:"required"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TestSMTPSettings 用当前 SMTP 配置发一封测试邮件
func (h *Handler) TestSMTPSettings(c *gin.Context) {
	var req SMTPTestSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, response.CodeBadRequest, "bad request", err)
		return
	}

	toEmail := strings.TrimSpace(req.ToEmail)
	if toEmail == "" {
		respondError(c, response.CodeBadRequest, "email invalid", nil)
		return
	}
	if h.EmailService == nil {
		respondError(c, response.CodeBadRequest, "email service not configured", nil)
		return
	}

	if err := h.EmailService.SendCustomEmail(toEmail, req.Subject, req.Body); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEmail):
			respondError(c, response.CodeBadRequest, "email invalid", nil)
		case errors.Is(err, service.ErrEmailRecipientRejected):
			respondError(c, response.CodeBadRequest, "email recipient rejected", nil)
		case errors.Is(err, service.ErrEmailServiceDisabled),
			errors.Is(err, service.ErrEmailServiceNotConfigured):
			respondError(c, response.CodeBadRequest, "email service not configured", err)
		default:
			respondError(c, response.CodeInternal, "email send failed", err)
		}
		return
	}

	requestLog(c).Infow("admin_smtp_test_sent", "to_email", toEmail)
	response.Success(c, gin.H{"sent": true})
}
