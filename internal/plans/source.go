// Package plans resolves the read-only plan state the engine gates on.
// Identity and billing own the data; these sources only read it.
package plans

import (
	"context"

	"github.com/crosslogic/usage-meter/pkg/models"
)

// Source resolves an account's plan. Unknown accounts return
// models.ErrAccountNotFound.
type Source interface {
	PlanState(ctx context.Context, accountID string) (models.PlanState, error)
}

// SubscriptionIDs maps an account to its Stripe subscription id. An empty
// id means the account has no subscription.
type SubscriptionIDs interface {
	StripeSubscriptionID(ctx context.Context, accountID string) (string, error)
}
