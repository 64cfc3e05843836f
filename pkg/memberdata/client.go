// Package memberdata is the typed adapter for the transaction history
// service.
package memberdata

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/offer-orchestrator/internal/model"
	"github.com/sells-group/offer-orchestrator/internal/resilience"
	"github.com/sells-group/offer-orchestrator/internal/upstream"
)

// Service is the failure tag for this upstream.
const Service = "history"

// Client talks to the member transaction history store.
type Client interface {
	// GetHistory fetches a member's transaction history. A 404 means the
	// member has no history and yields an empty slice, not an error.
	GetHistory(ctx context.Context, requestID, memberID string) ([]model.Transaction, error)

	// StoreTransaction persists one transaction. The service answers 200 or
	// 201 on success.
	StoreTransaction(ctx context.Context, requestID string, tx model.Transaction) error
}

type client struct {
	exec *upstream.Client
}

// New wraps the given request executor as a history client.
func New(exec *upstream.Client) Client {
	return &client{exec: exec}
}

func (c *client) GetHistory(ctx context.Context, requestID, memberID string) ([]model.Transaction, error) {
	raw, err := c.exec.DoJSON(ctx, http.MethodGet, "/member_data/"+memberID, nil,
		upstream.Allow404AsEmpty(),
		upstream.WithRequestID(requestID),
	)
	if err != nil {
		return nil, err
	}

	// The contract is an array of records. Anything else is a contract
	// break, distinct from individually bad records.
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, &resilience.MalformedResponseError{
			Service: Service,
			Detail:  "history payload is not an array",
		}
	}

	history := make([]model.Transaction, 0, len(records))
	for i, rec := range records {
		var tx model.Transaction
		if err := json.Unmarshal(rec, &tx); err != nil {
			zap.L().Warn("skipping invalid history record",
				zap.String("request_id", requestID),
				zap.String("member_id", memberID),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		if err := tx.Validate(); err != nil {
			zap.L().Warn("skipping invalid history record",
				zap.String("request_id", requestID),
				zap.String("member_id", memberID),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		history = append(history, tx)
	}
	return history, nil
}

func (c *client) StoreTransaction(ctx context.Context, requestID string, tx model.Transaction) error {
	_, err := c.exec.DoJSON(ctx, http.MethodPost, "/member_data", tx,
		upstream.OKStatuses(http.StatusOK, http.StatusCreated),
		upstream.WithRequestID(requestID),
	)
	return err
}
