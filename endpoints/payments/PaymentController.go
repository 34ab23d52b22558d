package payments

import (
	"github.com/gin-gonic/gin"
)

func RegisterController(rg *gin.RouterGroup) {
	g := rg.Group("/flows")

	g.POST("", StartFlow)
	g.POST("/:id/finalize", FinalizeFlow)
	g.GET("/:id", FlowStatus)
}
