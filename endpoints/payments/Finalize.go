package payments

import (
	"github.com/Angel-Anselmo/NestPay-sub000/kernel"
	"github.com/gin-gonic/gin"
	val "github.com/go-ozzo/ozzo-validation"
	"net/http"
)

type FinalizeDto struct {
	InteractRef string `json:"interactRef"`
	Hash        string `json:"hash"`
}

func (dto FinalizeDto) Validate() error {
	return val.ValidateStruct(&dto,
		val.Field(&dto.InteractRef, val.Required),
	)
}

// FinalizeFlow resumes a flow for clients that received the interaction
// reference out of band.
func FinalizeFlow(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.NewChildTracer("flows.finalize.handler").Advance()

	var dto FinalizeDto
	if !rt.BindJSON(&dto) {
		return
	}
	if err := dto.Validate(); err != nil {
		rt.Ef(http.StatusBadRequest, "bad request: %v", err)
		return
	}

	flow, err := rt.AppRuntime.Flows.Finalize(rt.Context(), c.Param("id"), dto.InteractRef, dto.Hash)
	if err != nil {
		RespondFlowError(rt, flow, err)
		return
	}

	c.JSON(http.StatusOK, NewFlowView(flow))
	rt.EndBlock()
}
