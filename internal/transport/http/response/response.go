package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeOK                 = 0
	CodeBadRequest         = 40000
	CodeUsernameExists     = 40001
	CodeEmailExists        = 40002
	CodeInvalidSource      = 40010
	CodeInvalidFormat      = 40011
	CodeEmptyArtifact      = 40012
	CodeInvalidPath        = 40013
	CodeNoFieldsToUpdate   = 40014
	CodeDownloadNotAllowed = 40015
	CodeMessageEmpty       = 40016
	CodeUnauthorized       = 40100
	CodeInvalidCredentials = 40101
	CodeForbidden          = 40300
	CodeSessionNotFound    = 40401
	CodeArtifactNotFound   = 40402
	CodeFileNotFound       = 40403
	CodeMessageNotFound    = 40404
	CodeUserNotFound       = 40405
	CodeUploadTooLarge     = 41300
	CodeInternalServer     = 50000
	CodeStorageFailure     = 50001
	CodeAcquisitionFailed  = 50201
	CodeLLMFailed          = 50202
	CodeQueueUnavailable   = 50301
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{
		Code:    CodeOK,
		Message: "created",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.AbortWithStatusJSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}
