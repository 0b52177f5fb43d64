package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/KDLN/aurelian-missions/internal/engine"
	"github.com/KDLN/aurelian-missions/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"mission is completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the missions API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Aurelian Missions API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMissions(group, cfg.Engine)
	registerContributions(group, cfg.Engine)
	registerLeaderboard(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrExpired):
		return newAPIError(http.StatusConflict, "mission_expired", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyClaimed):
		return newAPIError(http.StatusConflict, "already_claimed", err.Error(), nil)
	case errors.Is(err, engine.ErrNoTier):
		return newAPIError(http.StatusConflict, "no_tier", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Aurelian Missions API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.MissionCreateOptions{
			Name:           input.Body.Name,
			Requirements:   input.Body.Requirements,
			TierThresholds: input.Body.TierThresholds,
			RewardsByTier:  input.Body.RewardsByTier,
			EndsAt:         input.Body.EndsAt,
			StartNow:       input.Body.StartNow,
			ActorID:        principal.UserID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Type != nil {
			opts.Type = *input.Body.Type
		}
		m, err := e.CreateMission(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: MissionResponse{Mission: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Type   string `query:"type"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body MissionListResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListMissions(ctx, repo.MissionFilters{
			Status: input.Status,
			Type:   input.Type,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionListResponse `json:"body"`
		}{Body: MissionListResponse{Missions: items, Count: len(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.Repo.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: MissionResponse{Mission: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/start",
		Summary:     "Activate a scheduled mission",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		principal, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.StartMission(ctx, input.MissionID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: MissionResponse{Mission: m}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/end",
		Summary:     "End an active mission",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string             `path:"mission_id"`
		Body      *EndMissionRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		principal, authErr := requireAdmin(ctx)
		if authErr != nil {
			return nil, authErr
		}
		forced := input.Body != nil && input.Body.Forced
		m, err := e.EndMission(ctx, input.MissionID, principal.UserID, forced)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: MissionResponse{Mission: m}}, nil
	})
}

func registerContributions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "contribute",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/contributions",
		Summary:     "Record a contribution",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string              `path:"mission_id"`
		Body      ContributionRequest `json:"body"`
	}) (*struct {
		Body ContributionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Contribute(ctx, engine.ContributeOptions{
			MissionID: input.MissionID,
			UserID:    principal.UserID,
			GuildID:   principal.GuildIDPtr(),
			Deltas:    input.Body.Contributions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributionResponse `json:"body"`
		}{Body: ContributionResponse{
			Mission:       res.Mission,
			Participant:   res.Participant,
			JustCompleted: res.JustCompleted,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-standing",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/standing",
		Summary:     "Caller's standing in a mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body StandingResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.GetStanding(ctx, input.MissionID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StandingResponse `json:"body"`
		}{Body: standingResponse(input.MissionID, s)}, nil
	})
}

func registerLeaderboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-leaderboard",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/leaderboard",
		Summary:     "Mission leaderboard",
		Errors:      []int{http.StatusNotFound, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		GuildID   string `query:"guild_id"`
		Tier      string `query:"tier"`
		Page      int    `query:"page"`
		PageSize  int    `query:"page_size"`
	}) (*struct {
		Body engine.Leaderboard `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.PageSize < 0 || input.PageSize > 500 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "page_size must be between 0 and 500", nil)
		}
		board, err := e.Leaderboard(ctx, input.MissionID, engine.LeaderboardOptions{
			GuildID:  input.GuildID,
			Tier:     input.Tier,
			Page:     input.Page,
			PageSize: input.PageSize,
			UserID:   principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Leaderboard `json:"body"`
		}{Body: board}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-reward",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/claim",
		Summary:     "Claim the caller's mission reward",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bundle, err := e.Claim(ctx, input.MissionID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetParticipant(ctx, input.MissionID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		tier := ""
		if p.Tier != nil {
			tier = *p.Tier
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{
			MissionID: input.MissionID,
			UserID:    principal.UserID,
			Tier:      tier,
			Reward:    bundle,
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-mission-events",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/events",
		Summary:     "Mission event log",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetMission(ctx, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEvents(ctx, input.MissionID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: items}}, nil
	})
}
