// Package response 提供统一的 HTTP 响应格式
// 所有 API 都使用相同的响应结构，客户端按 code 判断成功与否
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
// code: 业务状态码（0 表示成功）
// message: 提示信息
// data: 响应数据
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// 业务状态码定义
const (
	CodeSuccess         = 0    // 成功
	CodeBadRequest      = 1000 // 请求参数错误
	CodeUnauthorized    = 1001 // 未授权
	CodeForbidden       = 1002 // 禁止访问
	CodeNotFound        = 1003 // 资源不存在
	CodeInternalError   = 1004 // 服务器内部错误
	CodeUserNotFound    = 1102 // 用户不存在
	CodePasswordWrong   = 1103 // 密码错误
	CodeSessionNotFound = 1301 // 会话不存在
	CodeSessionEnded    = 1302 // 会话已结束
)

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Created 返回 201 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "创建成功",
		Data:    data,
	})
}

// ErrorWithCode 返回错误响应（带业务状态码）
func ErrorWithCode(c *gin.Context, httpCode, bizCode int, message string) {
	c.JSON(httpCode, Response{
		Code:    bizCode,
		Message: message,
	})
}

// BadRequest 返回 400 错误
func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusBadRequest, CodeBadRequest, message)
}

// Unauthorized 返回 401 错误
func Unauthorized(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden 返回 403 错误
func Forbidden(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusForbidden, CodeForbidden, message)
}

// NotFound 返回 404 错误
func NotFound(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusNotFound, CodeNotFound, message)
}

// InternalError 返回 500 错误
func InternalError(c *gin.Context, message string) {
	ErrorWithCode(c, http.StatusInternalServerError, CodeInternalError, message)
}

// PasswordWrong 用户名或密码错误
func PasswordWrong(c *gin.Context) {
	ErrorWithCode(c, http.StatusUnauthorized, CodePasswordWrong, "用户名或密码错误")
}

// SessionNotFound 返回会话不存在错误
func SessionNotFound(c *gin.Context) {
	ErrorWithCode(c, http.StatusNotFound, CodeSessionNotFound, "会话不存在")
}

// SessionEnded 返回会话已结束错误
func SessionEnded(c *gin.Context) {
	ErrorWithCode(c, http.StatusConflict, CodeSessionEnded, "会话已结束")
}
