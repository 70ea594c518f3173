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

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audit",
		Summary:     "List audit entries",
		Description: "Newest first. next_cursor is the id of the first entry of the next page.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		EntityID  string `query:"entity_id"`
		Action    string `query:"action"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*dataOutput[AuditPage], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, auth.ProjectAdmin); err != nil {
			return nil, handleError(ctx, e, err)
		}
		limit := normalizeLimit(input.Limit)
		filter := repo.AuditFilters{
			ProjectID: input.ProjectID,
			EntityID:  input.EntityID,
			Action:    input.Action,
			Limit:     limit + 1,
		}
		if input.Cursor != "" {
			id, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || id <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			filter.BeforeID = id
		}
		entries, err := e.ListAudit(ctx, filter)
		if err != nil {
			return nil, handleError(ctx, e, err)
		}
		page := AuditPage{Items: entries}
		if len(entries) > limit {
			page.NextCursor = strconv.FormatInt(entries[limit].ID, 10)
			page.Items = entries[:limit]
		}
		if page.Items == nil {
			page.Items = []domain.AuditEntry{}
		}
		return respond(page), nil
	})
}
