package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zimagehq/zimage/internal/common"
	"github.com/zimagehq/zimage/internal/config"
	"github.com/zimagehq/zimage/internal/gen"
	"github.com/zimagehq/zimage/internal/httpapi/handlers"
	"github.com/zimagehq/zimage/internal/httpapi/middleware"
	"github.com/zimagehq/zimage/internal/storage"
	"gorm.io/gorm"
)

func NewRouter(db *gorm.DB, cfg config.Config, cache gen.OwnershipCache, be gen.Backend, store storage.Storage) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(db, cfg, cache, be, store)

	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	v1.POST("/images/generate", h.Generate)
	v1.GET("/tasks/:task_id", h.GetTask)
	v1.POST("/tasks/:task_id/cancel", h.CancelTask)
	v1.DELETE("/tasks/:task_id", h.DeleteTask)
	v1.GET("/history", h.History)
	v1.GET("/batches", h.ListBatches)
	v1.GET("/batches/:batch_id", h.GetBatch)
	v1.DELETE("/batches/:batch_id", h.DeleteBatch)

	r.GET("/generated-images/*path", h.ServeImage)

	return r
}
