// Package offerengine is the typed adapter for the offer-assignment service.
package offerengine

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sells-group/offer-orchestrator/internal/model"
	"github.com/sells-group/offer-orchestrator/internal/resilience"
	"github.com/sells-group/offer-orchestrator/internal/upstream"
)

// Service is the failure tag for this upstream.
const Service = "offer"

// AssignRequest is the body for POST /offer/assign.
type AssignRequest struct {
	ATSPrediction  float64 `json:"ats_prediction"`
	RespPrediction float64 `json:"resp_prediction"`
}

// Client assigns the final offer from a pair of prediction scores.
type Client interface {
	Assign(ctx context.Context, requestID string, pair model.PredictionPair) (model.OfferDecision, error)
}

type client struct {
	exec *upstream.Client
}

// New wraps the given request executor as an offer client.
func New(exec *upstream.Client) Client {
	return &client{exec: exec}
}

func (c *client) Assign(ctx context.Context, requestID string, pair model.PredictionPair) (model.OfferDecision, error) {
	req := AssignRequest{ATSPrediction: pair.ATSScore, RespPrediction: pair.RespScore}

	raw, err := c.exec.DoJSON(ctx, http.MethodPost, "/offer/assign", req,
		upstream.WithRequestID(requestID),
	)
	if err != nil {
		return model.OfferDecision{}, err
	}

	var decision model.OfferDecision
	if err := json.Unmarshal(raw, &decision); err != nil || decision.Offer == "" {
		return model.OfferDecision{}, &resilience.MalformedResponseError{
			Service: Service,
			Detail:  "missing offer field",
		}
	}
	return decision, nil
}
