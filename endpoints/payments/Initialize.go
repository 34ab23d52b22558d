package payments

import (
	"github.com/Angel-Anselmo/NestPay-sub000/assert"
	"github.com/Angel-Anselmo/NestPay-sub000/flows"
	"github.com/Angel-Anselmo/NestPay-sub000/kernel"
	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/gin-gonic/gin"
	val "github.com/go-ozzo/ozzo-validation"
	"go.nhat.io/otelsql/attribute"
	"net/http"
)

type StartFlowDto struct {
	PayerWallet string                 `json:"payerWallet"`
	PayeeWallet string                 `json:"payeeWallet"`
	Amount      models.RequestedAmount `json:"amount"`
	Description string                 `json:"description"`
}

func (dto StartFlowDto) Validate() error {
	return val.ValidateStruct(&dto,
		val.Field(&dto.PayerWallet, val.Required),
		val.Field(&dto.PayeeWallet, val.Required),
		val.Field(&dto.Description, val.Length(0, 255)),
	)
}

func StartFlow(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.NewChildTracer("flows.start.handler").Advance()

	orchestrator := rt.AppRuntime.Flows
	assert.NotNil(orchestrator, "orchestrator != nil")

	var dto StartFlowDto
	if !rt.BindJSON(&dto) {
		return
	}
	if err := dto.Validate(); err != nil {
		rt.Ef(http.StatusBadRequest, "bad request: %v", err)
		return
	}

	res, err := orchestrator.Start(rt.Context(), flows.StartRequest{
		PayerWallet: dto.PayerWallet,
		PayeeWallet: dto.PayeeWallet,
		Amount:      dto.Amount,
		Description: dto.Description,
	})
	if err != nil {
		RespondStartError(rt, err)
		return
	}
	rt.Span.SetAttributes(attribute.KeyValue("flow.id", res.FlowID))

	c.JSON(http.StatusCreated, res)
	rt.EndBlock()
}
