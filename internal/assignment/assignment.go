// Package assignment delivers finalized driver-passenger bindings to the
// collaborator that owns them.
package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/example/route-negotiation/internal/models"
)

// RoutingKey is used for every assignment message on topic exchanges.
const RoutingKey = "assignment.finalized"

// Hook receives an assignment after the acceptance is committed.
type Hook interface {
	Finalize(ctx context.Context, a models.Assignment) error
}

func encode(a models.Assignment) ([]byte, error) {
	return json.Marshal(a)
}

// LogHook only records the assignment. Used when no broker is configured.
type LogHook struct {
	Logger *slog.Logger
}

func (h LogHook) Finalize(_ context.Context, a models.Assignment) error {
	h.Logger.Info("assignment finalized",
		"request_id", a.RequestID,
		"driver_id", a.DriverID,
		"customer_id", a.CustomerID,
		"profile_id", a.ProfileID,
		"final_amount", a.FinalAmount.String(),
	)
	return nil
}

// Fanout delivers to every hook and joins their errors.
type Fanout []Hook

func (f Fanout) Finalize(ctx context.Context, a models.Assignment) error {
	var errs []error
	for _, h := range f {
		if err := h.Finalize(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
