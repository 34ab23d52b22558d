package payments

import (
	"errors"
	"github.com/Angel-Anselmo/NestPay-sub000/flows"
	"github.com/Angel-Anselmo/NestPay-sub000/kernel"
	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"net/http"
)

// FlowStatus returns the stored projection. With ?refresh=true the payee's
// reservation is polled first.
func FlowStatus(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.NewChildTracer("flows.status.handler").Advance()

	flowID := c.Param("id")
	orchestrator := rt.AppRuntime.Flows

	var (
		flow *models.PaymentFlow
		err  error
	)
	if c.Query("refresh") == "true" {
		flow, err = orchestrator.Refresh(rt.Context(), flowID)
	} else {
		flow, err = orchestrator.Get(rt.Context(), flowID)
	}
	switch {
	case errors.Is(err, flows.ErrFlowNotFound):
		rt.Ef(http.StatusNotFound, "flow not found")
		return
	case err != nil && models.ReasonOf(err) != "":
		log.Warn().Err(err).Str("flow_id", flowID).Msg("could not refresh reservation")
		rt.EJSON(http.StatusBadGateway, errors.New("could not refresh reservation"), gin.H{"reason": models.ReasonOf(err)})
		return
	case err != nil:
		log.Error().Err(err).Str("flow_id", flowID).Msg("could not load flow")
		rt.Ef(http.StatusInternalServerError, "internal error")
		return
	}

	c.JSON(http.StatusOK, NewFlowView(flow))
	rt.EndBlock()
}
