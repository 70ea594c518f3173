package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/auth"
)

type sprintPath struct {
	ProjectID string `path:"project_id"`
	ID        string `path:"id"`
}

func registerSprints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sprints",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sprints",
		Summary:     "List sprints",
		Description: "Sprints in creation order with their point totals.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"planned,active,completed,cancelled"`
	}) (*dataOutput[SprintList], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.SprintView); err != nil {
			return nil, handleError(ctx, e, err)
		}
		sprints, err := e.ListSprints(ctx, input.ProjectID, input.Status)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		if sprints == nil {
			sprints = []domain.Sprint{}
		}
		return respond(SprintList{Items: sprints}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-sprint",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/sprints",
		Summary:       "Create sprint",
		Description:   "New sprints start planned and are appended after the existing ones.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CreateSprintRequest `json:"body"`
	}) (*dataOutput[domain.Sprint], error) {
		userID, err := requirePermission(ctx, e, input.ProjectID, auth.SprintCreate)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		s, err := e.CreateSprint(ctx, engine.SprintCreateOptions{
			ProjectID: input.ProjectID,
			ActorID:   userID,
			Name:      input.Body.Name,
			Goal:      input.Body.Goal,
			StartDate: input.Body.StartDate,
			EndDate:   input.Body.EndDate,
		})
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sprint",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sprints/{id}",
		Summary:     "Get sprint",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *sprintPath) (*dataOutput[domain.Sprint], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.SprintView); err != nil {
			return nil, handleError(ctx, e, err)
		}
		s, err := e.GetSprint(ctx, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-sprint",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/sprints/{id}",
		Summary:     "Update sprint",
		Description: "Edits fields and applies a status transition together. A request that only changes status is also accepted with the matching sprint.start, sprint.complete or sprint.cancel permission.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		ID        string              `path:"id"`
		Body      UpdateSprintRequest `json:"body"`
	}) (*dataOutput[domain.Sprint], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		req, err := projectRequest(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		current, err := e.Repo.GetSprintInProject(ctx, e.DB, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		body := rawBodyMap(ctx)
		opts := engine.SprintUpdateOptions{
			ProjectID: input.ProjectID,
			ID:        input.ID,
			ActorID:   req.UserID,
			Name:      input.Body.Name,
			Goal:      input.Body.Goal,
			StartDate: nullable(body, "start_date", input.Body.StartDate),
			EndDate:   nullable(body, "end_date", input.Body.EndDate),
			Status:    input.Body.Status,
		}
		change := auth.SprintChange{From: current.Status, OtherFields: opts.OtherFields()}
		if opts.Status != nil {
			change.To = domain.SprintStatus(*opts.Status)
		}
		if err := auth.AuthorizeSprintUpdate(ctx, e.Auth, req, change); err != nil {
			return nil, handleError(ctx, e, err)
		}
		s, err := e.UpdateSprint(ctx, opts)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-sprint",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sprints/{id}/complete",
		Summary:     "Complete sprint",
		Description: "Completes an active sprint. disposition \"backlog\" or a sprint id moves every unfinished item there in the same transaction.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		ID        string                `path:"id"`
		Body      CompleteSprintRequest `json:"body"`
	}) (*dataOutput[CompleteSprintResponse], error) {
		userID, err := requirePermission(ctx, e, input.ProjectID, auth.SprintComplete, auth.SprintEdit)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		res, err := e.CompleteSprint(ctx, engine.CompleteSprintOptions{
			ProjectID:   input.ProjectID,
			ID:          input.ID,
			ActorID:     userID,
			Disposition: input.Body.Disposition,
		})
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		res.MovedItemIDs = nonNilStrings(res.MovedItemIDs)
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-sprint",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/sprints/{id}",
		Summary:     "Delete sprint",
		Description: "Moves every item of the sprint to the end of the backlog, then removes the sprint.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *sprintPath) (*dataOutput[DeleteSprintResponse], error) {
		userID, err := requirePermission(ctx, e, input.ProjectID, auth.SprintDelete)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		moved, err := e.DeleteSprint(ctx, input.ProjectID, input.ID, userID)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(DeleteSprintResponse{ID: input.ID, MovedItemIDs: nonNilStrings(moved)}), nil
	})
}
