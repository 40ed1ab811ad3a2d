package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/caravel-dev/caravel/internal/domain"
)

type HealthOutput struct {
	Body *domain.StoreHealth
}

// RegisterHealthRoutes exposes the store health snapshot. The route is
// unauthenticated so load balancers can probe it.
func RegisterHealthRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Get store health counters",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
		health, err := store.Health(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("store unavailable", err)
		}

		return &HealthOutput{Body: health}, nil
	})
}
