package http

import (
	"net/http"

	"collaborative-canvas/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IdentityHandler 为不走 WebSocket 的调用方 (脚本、管理工具) 签发身份令牌
type IdentityHandler struct {
	identity *service.IdentityService
}

// NewIdentityHandler 创建 IdentityHandler 实例
func NewIdentityHandler(identity *service.IdentityService) *IdentityHandler {
	if identity == nil {
		panic("IdentityService cannot be nil for IdentityHandler")
	}
	return &IdentityHandler{identity: identity}
}

// IssueIdentityRequest 定义签发身份的请求体
type IssueIdentityRequest struct {
	Name string `json:"name" binding:"max=50"`
}

// IssueIdentityResponse 定义签发身份的响应体
type IssueIdentityResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

// Issue 处理 POST /api/identity
func (h *IdentityHandler) Issue(c *gin.Context) {
	var req IssueIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.IssueIdentity: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}

	userID := h.identity.NewUserID()
	name := service.NormalizeName(req.Name, userID)
	token, err := h.identity.IssueToken(userID, name)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	logrus.WithField("user_id", userID).Info("Handler.IssueIdentity: Identity issued")
	SuccessResponse(c, http.StatusOK, IssueIdentityResponse{UserID: userID, Name: name, Token: token})
}
