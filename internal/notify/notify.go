// Package notify fans incident state-change events out to observer
// sinks. Delivery is strictly best effort: a dead sink never slows down
// or fails incident processing.
package notify

import (
	"context"

	"github.com/aiops-lab/autoremedy/internal/domain"
)

// Sink delivers one event to one destination.
type Sink interface {
	Name() string
	Notify(ctx context.Context, event domain.Event) error
}
