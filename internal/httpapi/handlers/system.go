package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/zimagehq/zimage/internal/common"
)

func (h *Handler) Root(c *gin.Context) {
	common.OK(c, gin.H{
		"service": "zimage",
		"message": "image generation API, see /v1/generate",
	})
}

func (h *Handler) Health(c *gin.Context) {
	common.OK(c, gin.H{"status": "ok"})
}
