package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/caravel-dev/caravel/internal/auth"
	"github.com/caravel-dev/caravel/internal/domain"
)

type CreateApplicationInput struct {
	Body struct {
		Name        string `json:"name" minLength:"1" maxLength:"100" doc:"Application name"`
		Description string `json:"description,omitempty" maxLength:"500" doc:"Application description"`
	}
}

type CreateApplicationOutput struct {
	Status int
	Body   *domain.Application
}

type GetApplicationInput struct {
	ID uuid.UUID `path:"id" doc:"Application ID"`
}

type GetApplicationOutput struct {
	Body *domain.Application
}

type ListApplicationsOutput struct {
	Body []*domain.Application
}

type UpdateApplicationInput struct {
	ID   uuid.UUID `path:"id" doc:"Application ID"`
	Body struct {
		Name        string `json:"name" minLength:"1" maxLength:"100" doc:"Application name"`
		Description string `json:"description,omitempty" maxLength:"500" doc:"Application description"`
	}
}

type UpdateApplicationOutput struct {
	Body *domain.Application
}

type DeleteApplicationInput struct {
	ID uuid.UUID `path:"id" doc:"Application ID"`
}

func RegisterApplicationRoutes(api huma.API, store DataStore, authz auth.Authorizer) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/applications",
		Summary:       "Create an application",
		Tags:          []string{"Applications"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateApplicationInput) (*CreateApplicationOutput, error) {
		if err := authz.CanDeployAgent(ctx); err != nil {
			return nil, huma.Error403Forbidden("application management not permitted")
		}

		now := time.Now()
		app := &domain.Application{
			ID:          uuid.New(),
			Name:        input.Body.Name,
			Description: input.Body.Description,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if err := store.Applications().Create(ctx, app); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil, huma.Error409Conflict("application name already in use")
			}
			return nil, huma.Error500InternalServerError("failed to create application", err)
		}

		return &CreateApplicationOutput{Status: http.StatusCreated, Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/applications/{id}",
		Summary:     "Get an application by ID",
		Tags:        []string{"Applications"},
	}, func(ctx context.Context, input *GetApplicationInput) (*GetApplicationOutput, error) {
		if err := authz.CanListResources(ctx); err != nil {
			return nil, huma.Error403Forbidden("read not permitted")
		}

		app, err := store.Applications().GetByID(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("application not found")
			}
			return nil, huma.Error500InternalServerError("failed to get application", err)
		}

		return &GetApplicationOutput{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/applications",
		Summary:     "List applications",
		Tags:        []string{"Applications"},
	}, func(ctx context.Context, _ *struct{}) (*ListApplicationsOutput, error) {
		if err := authz.CanListResources(ctx); err != nil {
			return nil, huma.Error403Forbidden("read not permitted")
		}

		apps, err := store.Applications().List(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list applications", err)
		}

		return &ListApplicationsOutput{Body: apps}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-application",
		Method:      http.MethodPut,
		Path:        "/applications/{id}",
		Summary:     "Update an application",
		Tags:        []string{"Applications"},
	}, func(ctx context.Context, input *UpdateApplicationInput) (*UpdateApplicationOutput, error) {
		if err := authz.CanDeployAgent(ctx); err != nil {
			return nil, huma.Error403Forbidden("application management not permitted")
		}

		app, err := store.Applications().GetByID(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("application not found")
			}
			return nil, huma.Error500InternalServerError("failed to get application", err)
		}

		app.Name = input.Body.Name
		app.Description = input.Body.Description
		app.UpdatedAt = time.Now()

		if err := store.Applications().Update(ctx, app); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil, huma.Error409Conflict("application name already in use")
			}
			return nil, huma.Error500InternalServerError("failed to update application", err)
		}

		return &UpdateApplicationOutput{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-application",
		Method:      http.MethodDelete,
		Path:        "/applications/{id}",
		Summary:     "Delete an application and its agents",
		Tags:        []string{"Applications"},
	}, func(ctx context.Context, input *DeleteApplicationInput) (*struct{}, error) {
		if err := authz.CanDeployAgent(ctx); err != nil {
			return nil, huma.Error403Forbidden("application management not permitted")
		}

		if err := store.Applications().Delete(ctx, input.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("application not found")
			}
			return nil, huma.Error500InternalServerError("failed to delete application", err)
		}

		return &struct{}{}, nil
	})
}
