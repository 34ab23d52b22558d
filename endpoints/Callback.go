package endpoints

import (
	"github.com/Angel-Anselmo/NestPay-sub000/endpoints/payments"
	"github.com/Angel-Anselmo/NestPay-sub000/kernel"
	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/gin-gonic/gin"
	"net/http"
	"net/url"
)

const resultGrantRejected = "grant_rejected"

type CallbackModel struct {
	InteractRef string `form:"interact_ref"`
	State       string `form:"state"`
	Hash        string `form:"hash"`
	Result      string `form:"result"`
}

// Callback is where the authorization server sends the browser back to once
// the human approved or declined the grant.
func Callback(c *gin.Context) {
	rt := c.MustGet("rt").(*kernel.RequestRuntime)
	rt.NewChildTracer("flows.callback.handler").Advance()

	var q CallbackModel
	if err := c.ShouldBindQuery(&q); err != nil {
		rt.Ef(http.StatusBadRequest, "bad request: %v", err)
		return
	}
	if q.State == "" {
		rt.Ef(http.StatusBadRequest, "bad request: missing state")
		return
	}

	orchestrator := rt.AppRuntime.Flows
	var (
		flow *models.PaymentFlow
		err  error
	)
	switch {
	case q.Result == resultGrantRejected:
		flow, err = orchestrator.Reject(rt.Context(), q.State)
	case q.InteractRef == "":
		rt.Ef(http.StatusBadRequest, "bad request: missing interact_ref")
		return
	default:
		flow, err = orchestrator.Finalize(rt.Context(), q.State, q.InteractRef, q.Hash)
	}

	if returnURL := rt.AppRuntime.ClientReturnURL; returnURL != "" && flow != nil {
		if err != nil {
			_ = rt.MakeError(err)
		} else {
			rt.EndBlock()
		}
		c.Redirect(http.StatusFound, clientReturn(returnURL, flow))
		return
	}
	if err != nil {
		payments.RespondFlowError(rt, flow, err)
		return
	}

	c.JSON(http.StatusOK, payments.NewFlowView(flow))
	rt.EndBlock()
}

func clientReturn(returnURL string, flow *models.PaymentFlow) string {
	u, err := url.Parse(returnURL)
	if err != nil {
		return returnURL
	}
	q := u.Query()
	q.Set("flowId", flow.ID)
	q.Set("status", string(flow.Status))
	if flow.FailureReason != "" {
		q.Set("reason", string(flow.FailureReason))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
