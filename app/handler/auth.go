package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"wanistream/app/auth"
	"wanistream/app/middleware"
	"wanistream/app/model"
	"wanistream/app/utils"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AuthHandler 控制台登录
type AuthHandler struct {
	db         *gorm.DB
	jwtService *auth.JWTService
}

func NewAuthHandler(db *gorm.DB, jwtService *auth.JWTService) *AuthHandler {
	return &AuthHandler{db: db, jwtService: jwtService}
}

// LoginRequest 登录请求结构
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应结构
type LoginResponse struct {
	Token    string      `json:"token"`
	User     *model.User `json:"user"`
	ExpireAt int64       `json:"expire_at"`
}

// Login 用户登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	var user model.User
	if err := h.db.WithContext(c.Request.Context()).Where("username = ?", req.Username).First(&user).Error; err != nil {
		failure(c, http.StatusUnauthorized, "用户名或密码错误")
		return
	}
	if !utils.VerifyPassword(req.Password, user.Password) {
		failure(c, http.StatusUnauthorized, "用户名或密码错误")
		return
	}
	if !user.IsActive {
		failure(c, http.StatusForbidden, "用户账号已被禁用")
		return
	}

	token, expireAt, err := h.jwtService.GenerateToken(user.ID, user.Username)
	if err != nil {
		failure(c, http.StatusInternalServerError, "生成令牌失败")
		return
	}

	now := time.Now()
	h.db.Model(&user).Update("last_login", now)
	user.LastLogin = &now

	success(c, LoginResponse{
		Token:    token,
		User:     &user,
		ExpireAt: expireAt.Unix(),
	}, "登录成功")
}

// RefreshToken 刷新令牌
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !found || token == "" {
		failure(c, http.StatusUnauthorized, "Authorization header is required")
		return
	}

	newToken, expireAt, err := h.jwtService.RefreshToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenFresh) {
			failure(c, http.StatusBadRequest, err.Error())
			return
		}
		failure(c, http.StatusUnauthorized, "刷新令牌失败: "+err.Error())
		return
	}

	success(c, gin.H{
		"token":     newToken,
		"expire_at": expireAt.Unix(),
	}, "刷新成功")
}

// Me 获取当前用户信息
func (h *AuthHandler) Me(c *gin.Context) {
	userID, exists := c.Get(middleware.ContextUserID)
	if !exists {
		failure(c, http.StatusUnauthorized, "未认证")
		return
	}

	var user model.User
	if err := h.db.WithContext(c.Request.Context()).First(&user, userID).Error; err != nil {
		failure(c, http.StatusNotFound, "用户不存在")
		return
	}
	success(c, user, "success")
}
