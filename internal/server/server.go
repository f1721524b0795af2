// Package server exposes the HTTP API. Authenticated routes serve the
// business owner; the /public routes serve recipients holding a capability
// token and carry no other auth.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reviewloop/internal/engine"
	"reviewloop/internal/repo"
	"reviewloop/internal/token"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"forbidden"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Reviewloop API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Reviewloop API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPublic(group, cfg.Engine)
	registerBusinesses(group, cfg.Engine)
	registerRecipients(group, cfg.Engine)
	registerInvites(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
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

// handleError maps domain errors to the envelope. Token verification
// failures all collapse to one 403 so the response does not reveal which
// check failed; guard violations are precise because a legitimate
// link-holder needs to know why they were refused.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *token.VerifyError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusForbidden, "forbidden", "forbidden", nil)
	}
	if errors.Is(err, engine.ErrEmailNotSent) {
		return newAPIError(http.StatusUnprocessableEntity, "email_not_sent", "no invitation was sent to this recipient", nil)
	}
	if errors.Is(err, engine.ErrAlreadySubmitted) {
		return newAPIError(http.StatusConflict, "review_already_submitted", "a review was already submitted for this recipient", nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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

func registerPublic(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-click",
		Method:      http.MethodPost,
		Path:        "/public/clicks",
		Summary:     "Record an invitation link click",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ClickRequest `json:"body"`
	}) (*struct {
		Body ClickResponse `json:"body"`
	}, error) {
		if input.Body.BusinessID == "" || input.Body.RecipientID == "" || input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "businessId, recipientId and token are required", nil)
		}
		already, err := e.RecordClick(ctx, input.Body.BusinessID, input.Body.RecipientID, input.Body.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClickResponse `json:"body"`
		}{Body: ClickResponse{Recorded: true, AlreadyClicked: already}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-review",
		Method:        http.MethodPost,
		Path:          "/public/reviews",
		Summary:       "Submit a review",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		if input.Body.BusinessID == "" || input.Body.RecipientID == "" || input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "businessId, recipientId and token are required", nil)
		}
		rev, err := e.SubmitReview(ctx, engine.SubmitReviewOptions{
			BusinessID:  input.Body.BusinessID,
			RecipientID: input.Body.RecipientID,
			Token:       input.Body.Token,
			Type:        input.Body.Type,
			Content:     input.Body.Content,
			Stars:       input.Body.Stars,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(rev)}, nil
	})
}

func registerBusinesses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-business",
		Method:        http.MethodPost,
		Path:          "/businesses",
		Summary:       "Create business",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateBusinessRequest `json:"body"`
	}) (*struct {
		Body BusinessResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateBusiness(ctx, input.Body.ID, input.Body.Name, input.Body.ReplyTo)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BusinessResponse `json:"body"`
		}{Body: businessResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-businesses",
		Method:      http.MethodGet,
		Path:        "/businesses",
		Summary:     "List businesses",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BusinessResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListBusinesses(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BusinessResponse `json:"body"`
		}{Body: mapBusinesses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-business",
		Method:      http.MethodGet,
		Path:        "/businesses/{business_id}",
		Summary:     "Get business",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BusinessID string `path:"business_id"`
	}) (*struct {
		Body BusinessResponse `json:"body"`
	}, error) {
		b, err := e.Repo.GetBusiness(ctx, input.BusinessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BusinessResponse `json:"body"`
		}{Body: businessResponse(b)}, nil
	})
}

func registerRecipients(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-recipient",
		Method:        http.MethodPost,
		Path:          "/businesses/{business_id}/recipients",
		Summary:       "Add recipient",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		BusinessID string              `path:"business_id"`
		Body       AddRecipientRequest `json:"body"`
	}) (*struct {
		Body RecipientResponse `json:"body"`
	}, error) {
		if input.Body.Email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		rec, err := e.AddRecipient(ctx, input.BusinessID, input.Body.Email, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecipientResponse `json:"body"`
		}{Body: recipientResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-recipients",
		Method:      http.MethodGet,
		Path:        "/businesses/{business_id}/recipients",
		Summary:     "List recipients",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BusinessID string `path:"business_id"`
	}) (*struct {
		Body []RecipientResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBusiness(ctx, input.BusinessID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRecipients(ctx, input.BusinessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RecipientResponse `json:"body"`
		}{Body: mapRecipients(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-recipient",
		Method:      http.MethodGet,
		Path:        "/businesses/{business_id}/recipients/{id}",
		Summary:     "Get recipient",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BusinessID string `path:"business_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body RecipientResponse `json:"body"`
	}, error) {
		rec, err := e.Repo.GetRecipient(ctx, input.BusinessID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecipientResponse `json:"body"`
		}{Body: recipientResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mint-invite-links",
		Method:      http.MethodPost,
		Path:        "/businesses/{business_id}/recipients/{id}/links",
		Summary:     "Mint invitation links without sending email",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		BusinessID string `path:"business_id"`
		ID         string `path:"id"`
	}) (*struct {
		Body InviteLinksResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRecipient(ctx, input.BusinessID, input.ID); err != nil {
			return nil, handleError(err)
		}
		links, tok, err := e.BuildInviteLinks(input.BusinessID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InviteLinksResponse `json:"body"`
		}{Body: InviteLinksResponse{Good: links.Good, Bad: links.Bad, Token: tok}}, nil
	})
}

func registerInvites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-invites",
		Method:      http.MethodPost,
		Path:        "/businesses/{business_id}/invites",
		Summary:     "Send invitation email to recipients",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		BusinessID string                 `path:"business_id"`
		Body       DispatchInvitesRequest `json:"body"`
	}) (*struct {
		Body DispatchInvitesResponse `json:"body"`
	}, error) {
		if len(input.Body.RecipientIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "recipient_ids is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DispatchInvites(ctx, input.BusinessID, input.Body.RecipientIDs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchInvitesResponse `json:"body"`
		}{Body: dispatchResponse(res)}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/businesses/{business_id}/reviews",
		Summary:     "List reviews",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BusinessID string `path:"business_id"`
	}) (*struct {
		Body []ReviewResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetBusiness(ctx, input.BusinessID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListReviews(ctx, input.BusinessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReviewResponse `json:"body"`
		}{Body: mapReviews(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recipient action events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BusinessID  string `query:"business_id"`
		RecipientID string `query:"recipient_id"`
		Action      string `query:"action"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      int64  `query:"cursor"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			BusinessID:  input.BusinessID,
			RecipientID: input.RecipientID,
			Action:      input.Action,
			Limit:       input.Limit,
			Cursor:      input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
