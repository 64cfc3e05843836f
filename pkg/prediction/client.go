// Package prediction is the typed adapter for the ATS/RESP prediction
// service.
package prediction

import (
	"context"
	"encoding/json"
	"math"
	"net/http"

	"github.com/sells-group/offer-orchestrator/internal/model"
	"github.com/sells-group/offer-orchestrator/internal/resilience"
	"github.com/sells-group/offer-orchestrator/internal/upstream"
)

// Service is the failure tag for this upstream.
const Service = "prediction"

// Client scores a feature vector against the two prediction models.
type Client interface {
	PredictATS(ctx context.Context, requestID string, fv model.FeatureVector) (float64, error)
	PredictResp(ctx context.Context, requestID string, fv model.FeatureVector) (float64, error)
}

type client struct {
	exec *upstream.Client
}

// New wraps the given request executor as a prediction client.
func New(exec *upstream.Client) Client {
	return &client{exec: exec}
}

func (c *client) PredictATS(ctx context.Context, requestID string, fv model.FeatureVector) (float64, error) {
	return c.predict(ctx, requestID, "/ml/ats/predict", fv)
}

func (c *client) PredictResp(ctx context.Context, requestID string, fv model.FeatureVector) (float64, error) {
	return c.predict(ctx, requestID, "/ml/resp/predict", fv)
}

func (c *client) predict(ctx context.Context, requestID, path string, fv model.FeatureVector) (float64, error) {
	raw, err := c.exec.DoJSON(ctx, http.MethodPost, path, fv,
		upstream.WithRequestID(requestID),
	)
	if err != nil {
		return 0, err
	}

	var body struct {
		Prediction *float64 `json:"prediction"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Prediction == nil {
		return 0, &resilience.MalformedResponseError{
			Service: Service,
			Detail:  "missing numeric prediction field",
		}
	}
	score := *body.Prediction
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, &resilience.MalformedResponseError{
			Service: Service,
			Detail:  "prediction is not finite",
		}
	}
	return score, nil
}
