package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/auth"
	"trackline/internal/repo"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type itemPath struct {
	ProjectID string `path:"project_id"`
	ID        string `path:"id"`
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/items",
		Summary:     "List work items",
		Description: "Sprint and backlog views are ordered by position and leave epics out unless include_epics is set.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID    string `path:"project_id"`
		SprintID     string `query:"sprint_id"`
		Backlog      bool   `query:"backlog"`
		Type         string `query:"type"`
		Status       string `query:"status"`
		Priority     string `query:"priority"`
		AssigneeID   string `query:"assignee_id"`
		EpicID       string `query:"epic_id"`
		ParentID     string `query:"parent_id"`
		Flagged      string `query:"flagged"`
		Search       string `query:"q"`
		IncludeEpics bool   `query:"include_epics"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*dataOutput[ItemPage], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.ItemView); err != nil {
			return nil, handleError(ctx, e, err)
		}
		limit := normalizeLimit(input.Limit)
		cursorKey, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.ItemFilters{
			ProjectID:    input.ProjectID,
			SprintID:     input.SprintID,
			Backlog:      input.Backlog,
			IncludeEpics: input.IncludeEpics,
			Type:         input.Type,
			Status:       input.Status,
			Priority:     input.Priority,
			AssigneeID:   input.AssigneeID,
			EpicID:       input.EpicID,
			ParentID:     input.ParentID,
			Search:       input.Search,
			Limit:        limit + 1,
			CursorKey:    cursorKey,
			CursorID:     cursorID,
		}
		if input.Flagged != "" {
			flagged, err := strconv.ParseBool(input.Flagged)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "flagged must be true or false", nil)
			}
			filter.Flagged = &flagged
		}
		if filter.BucketView() && cursorKey != "" {
			if _, err := strconv.ParseInt(cursorKey, 10, 64); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
		}
		items, err := e.ListItems(ctx, filter)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		page := ItemPage{}
		if len(items) > limit {
			next := items[limit]
			key := next.CreatedAt
			if filter.BucketView() {
				key = strconv.FormatInt(next.Position, 10)
			}
			page.NextCursor = composeCursor(key, next.ID)
			items = items[:limit]
		}
		page.Items = nonNilItems(items)
		return respond(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/items",
		Summary:       "Create work item",
		Description:   "Assigns the next key of the project and appends the item to its bucket unless a position is given. A missing or null sprint_id places the item in the backlog.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateItemRequest `json:"body"`
	}) (*dataOutput[domain.WorkItem], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, err := requirePermission(ctx, e, input.ProjectID, auth.ItemCreate)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		b := input.Body
		item, err := e.CreateItem(ctx, engine.ItemCreateOptions{
			ProjectID:        input.ProjectID,
			ActorID:          userID,
			Type:             b.Type,
			Title:            b.Title,
			Description:      b.Description,
			Status:           b.Status,
			Priority:         b.Priority,
			SprintID:         stringOrEmpty(b.SprintID),
			EpicID:           stringOrEmpty(b.EpicID),
			ParentID:         stringOrEmpty(b.ParentID),
			Position:         b.Position,
			AssigneeIDs:      b.AssigneeIDs,
			ReporterID:       b.ReporterID,
			StoryPoints:      b.StoryPoints,
			StartDate:        b.StartDate,
			DueDate:          b.DueDate,
			EstimatedMinutes: b.EstimatedMinutes,
			RemainingMinutes: b.RemainingMinutes,
			SpentMinutes:     b.SpentMinutes,
			Labels:           b.Labels,
			Flagged:          b.Flagged,
		})
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(nonNilItems([]domain.WorkItem{item})[0]), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*dataOutput[domain.WorkItem], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.ItemView); err != nil {
			return nil, handleError(ctx, e, err)
		}
		item, err := e.GetItem(ctx, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(nonNilItems([]domain.WorkItem{item})[0]), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/items/{id}",
		Summary:     "Update work item",
		Description: "Partial update. Changing sprint_id moves the item and appends it to the destination unless a position is also given.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      UpdateItemRequest `json:"body"`
	}) (*dataOutput[domain.WorkItem], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, err := requirePermission(ctx, e, input.ProjectID, auth.ItemEdit)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		body := rawBodyMap(ctx)
		b := input.Body
		item, err := e.UpdateItem(ctx, engine.ItemUpdateOptions{
			ProjectID:        input.ProjectID,
			ID:               input.ID,
			ActorID:          userID,
			Type:             b.Type,
			Title:            b.Title,
			Description:      b.Description,
			Status:           b.Status,
			Priority:         b.Priority,
			SprintID:         nullable(body, "sprint_id", b.SprintID),
			EpicID:           nullable(body, "epic_id", b.EpicID),
			ParentID:         nullable(body, "parent_id", b.ParentID),
			Position:         b.Position,
			AssigneeIDs:      b.AssigneeIDs,
			StoryPoints:      nullable(body, "story_points", b.StoryPoints),
			StartDate:        nullable(body, "start_date", b.StartDate),
			DueDate:          nullable(body, "due_date", b.DueDate),
			EstimatedMinutes: nullable(body, "estimated_minutes", b.EstimatedMinutes),
			RemainingMinutes: nullable(body, "remaining_minutes", b.RemainingMinutes),
			SpentMinutes:     nullable(body, "spent_minutes", b.SpentMinutes),
			Labels:           b.Labels,
			Flagged:          b.Flagged,
		})
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(nonNilItems([]domain.WorkItem{item})[0]), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-item",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/items/{id}",
		Summary:     "Delete work item and its descendants",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *itemPath) (*dataOutput[DeleteItemResponse], error) {
		userID, err := requirePermission(ctx, e, input.ProjectID, auth.ItemDelete)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		cascaded, err := e.DeleteItem(ctx, input.ProjectID, input.ID, userID)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(DeleteItemResponse{ID: input.ID, CascadedIDs: nonNilStrings(cascaded)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "split-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/items/{id}/split",
		Summary:       "Split work item",
		Description:   "Creates two or more items that inherit classification, placement and assignees from the original. The original is kept.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		ID        string           `path:"id"`
		Body      SplitItemRequest `json:"body"`
	}) (*dataOutput[[]domain.WorkItem], error) {
		userID, err := requirePermission(ctx, e, input.ProjectID, auth.ItemCreate)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		parts := make([]engine.SplitPart, 0, len(input.Body.Parts))
		for _, p := range input.Body.Parts {
			parts = append(parts, engine.SplitPart{Title: p.Title, Description: p.Description, StoryPoints: p.StoryPoints})
		}
		items, err := e.SplitItem(ctx, engine.SplitOptions{ProjectID: input.ProjectID, ID: input.ID, ActorID: userID, Parts: parts})
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(nonNilItems(items)), nil
	})
}

func registerBulk(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "bulk-move-items",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/items/bulk/move",
		Summary:     "Move many items",
		Description: "Each id is handled on its own. Items already in the destination count as affected without a write, so repeating the call is safe.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      BulkMoveRequest `json:"body"`
	}) (*dataOutput[BulkResponse], error) {
		userID, err := requirePermission(ctx, e, input.ProjectID, auth.ItemEdit)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		res, err := e.BulkMove(ctx, engine.BulkMoveOptions{
			ProjectID: input.ProjectID,
			ActorID:   userID,
			IDs:       input.Body.IDs,
			SprintID:  stringOrEmpty(input.Body.SprintID),
		})
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-delete-items",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/items/bulk/delete",
		Summary:     "Delete many items",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      BulkDeleteRequest `json:"body"`
	}) (*dataOutput[BulkResponse], error) {
		userID, err := requirePermission(ctx, e, input.ProjectID, auth.ItemDelete)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		res, err := e.BulkDelete(ctx, engine.BulkDeleteOptions{ProjectID: input.ProjectID, ActorID: userID, IDs: input.Body.IDs})
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		return respond(res), nil
	})
}
