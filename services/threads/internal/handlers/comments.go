package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/discussion/internal/platform/api"
	"github.com/example/discussion/internal/platform/auth"
	"github.com/example/discussion/internal/platform/httpserver"
	"github.com/example/discussion/services/threads/internal/engine"
	"github.com/example/discussion/services/threads/internal/input"
	"github.com/example/discussion/services/threads/internal/store"
	"github.com/example/discussion/services/threads/internal/tree"
)

// Threads is the engine surface the handlers use.
type Threads interface {
	CreateRoot(ctx context.Context, itemID int64, authorID, content string) (store.Comment, error)
	CreateReply(ctx context.Context, itemID, parentID int64, authorID, content string) (store.Comment, error)
	DeleteComment(ctx context.Context, id int64) ([]int64, error)
	EditComment(ctx context.Context, id int64, content string) (store.Comment, error)
	GetComment(ctx context.Context, id int64) (store.Comment, error)
	ListThread(ctx context.Context, itemID int64) ([]store.Comment, error)
	ThreadTree(ctx context.Context, itemID int64) ([]*tree.Node, error)
}

type createCommentRequest struct {
	Content  string `json:"content"`
	ParentID *int64 `json:"parent_id,omitempty"`
}

type updateCommentRequest struct {
	Content string `json:"content"`
}

type listResponse struct {
	Comments []store.Comment `json:"comments"`
}

type treeResponse struct {
	Comments []*tree.Node `json:"comments"`
}

type deleteResponse struct {
	Deleted []int64 `json:"deleted"`
}

// Mount registers the comment routes. Reads are public, writes require a
// bearer token.
func Mount(r chi.Router, th Threads, verifier auth.JWTVerifier, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/items/{item_id}/comments", ListComments(th, log))
		r.Get("/comments/{comment_id}", GetComment(th, log))

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser(verifier))
			r.Post("/items/{item_id}/comments", CreateComment(th, log))
			r.Put("/comments/{comment_id}", UpdateComment(th, log))
			r.Delete("/comments/{comment_id}", DeleteComment(th, log))
		})
	})
}

func pathID(r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, name)), 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		api.BadRequest(w, "INVALID_JSON", "invalid JSON", httpserver.RequestIDFromContext(r.Context()), nil)
		return false
	}
	return true
}

// writeError maps engine errors onto the API envelope.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	rid := httpserver.RequestIDFromContext(r.Context())
	switch {
	case errors.Is(err, input.ErrInvalid):
		api.BadRequest(w, "INVALID_INPUT", input.Message(err), rid, nil)
	case errors.Is(err, engine.ErrNotFound):
		api.NotFound(w, "NOT_FOUND", "comment not found", rid)
	case errors.Is(err, engine.ErrConflict):
		api.Conflict(w, "CONFLICT", "concurrent modification, retry later", rid, nil)
	default:
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", rid),
			zap.Error(err))
		api.Internal(w, rid)
	}
}

// ListComments handles GET /v1/items/{item_id}/comments
func ListComments(th Threads, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID, ok := pathID(r, "item_id")
		if !ok {
			api.BadRequest(w, "INVALID_ID", "item_id must be a positive integer", httpserver.RequestIDFromContext(r.Context()), nil)
			return
		}

		if strings.EqualFold(r.URL.Query().Get("view"), "tree") {
			forest, err := th.ThreadTree(r.Context(), itemID)
			if err != nil {
				writeError(w, r, log, err)
				return
			}
			api.WriteJSON(w, http.StatusOK, treeResponse{Comments: forest})
			return
		}

		comments, err := th.ListThread(r.Context(), itemID)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, listResponse{Comments: comments})
	}
}

// GetComment handles GET /v1/comments/{comment_id}
func GetComment(th Threads, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "comment_id")
		if !ok {
			api.BadRequest(w, "INVALID_ID", "comment_id must be a positive integer", httpserver.RequestIDFromContext(r.Context()), nil)
			return
		}
		c, err := th.GetComment(r.Context(), id)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, c)
	}
}

// CreateComment handles POST /v1/items/{item_id}/comments. A body with
// parent_id creates a reply.
func CreateComment(th Threads, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
			return
		}

		itemID, ok := pathID(r, "item_id")
		if !ok {
			api.BadRequest(w, "INVALID_ID", "item_id must be a positive integer", rid, nil)
			return
		}

		var req createCommentRequest
		if !decode(w, r, &req) {
			return
		}
		content, err := input.Content(req.Content)
		if err == nil && req.ParentID != nil {
			err = input.ID("parent_id", *req.ParentID)
		}
		if err != nil {
			writeError(w, r, log, err)
			return
		}

		var created store.Comment
		if req.ParentID != nil {
			created, err = th.CreateReply(r.Context(), itemID, *req.ParentID, userID, content)
		} else {
			created, err = th.CreateRoot(r.Context(), itemID, userID, content)
		}
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, created)
	}
}

// authorize loads the comment and checks that the caller may change it.
func authorize(w http.ResponseWriter, r *http.Request, th Threads, log *zap.Logger) (int64, bool) {
	rid := httpserver.RequestIDFromContext(r.Context())
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok || userID == "" {
		api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
		return 0, false
	}
	id, ok := pathID(r, "comment_id")
	if !ok {
		api.BadRequest(w, "INVALID_ID", "comment_id must be a positive integer", rid, nil)
		return 0, false
	}
	c, err := th.GetComment(r.Context(), id)
	if err != nil {
		writeError(w, r, log, err)
		return 0, false
	}
	if !auth.CanModify(r.Context(), c.AuthorID) {
		api.Forbidden(w, "FORBIDDEN", "only the author may change this comment", rid)
		return 0, false
	}
	return id, true
}

// UpdateComment handles PUT /v1/comments/{comment_id}
func UpdateComment(th Threads, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := authorize(w, r, th, log)
		if !ok {
			return
		}
		var req updateCommentRequest
		if !decode(w, r, &req) {
			return
		}
		content, err := input.Content(req.Content)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		updated, err := th.EditComment(r.Context(), id, content)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, updated)
	}
}

// DeleteComment handles DELETE /v1/comments/{comment_id}. Replies are removed
// together with the comment.
func DeleteComment(th Threads, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := authorize(w, r, th, log)
		if !ok {
			return
		}
		removed, err := th.DeleteComment(r.Context(), id)
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, deleteResponse{Deleted: removed})
	}
}
