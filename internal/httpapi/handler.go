// Package httpapi exposes the notification service over HTTP and the
// in-app banner stream over websocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"storenotify/internal/apperr"
	"storenotify/internal/model"
	"storenotify/internal/notify"
	logx "storenotify/pkg/logx"
)

type Handler struct {
	svc      *notify.Service
	validate *validator.Validate
	upgrader websocket.Upgrader
	log      logx.Logger
	origins  []string
}

func NewHandler(svc *notify.Service, origins []string, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h := &Handler{svc: svc, validate: validator.New(), log: log, origins: origins}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

func (h *Handler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/notifications", h.listNotifications)
			r.Get("/notifications/stats", h.stats)
			r.Get("/preferences", h.listPreferences)
			r.Put("/preferences", h.setAllPreferences)
			r.Put("/preferences/{categoryID}", h.setPreference)
			r.Post("/subscriptions", h.subscribe)
			r.Delete("/subscriptions", h.unsubscribe)
			r.Put("/permission", h.setPermission)
		})
		r.Patch("/notifications/{id}/read", h.markRead)
		r.Delete("/notifications/{id}", h.deleteNotification)
		r.Get("/categories", h.categories)
		r.Post("/stores/{storeID}/categories/sync", h.syncStore)
		r.Post("/dispatch/system", h.systemMessage)
		r.Post("/banners/{bannerID}/dismiss", h.dismissBanner)
	})

	r.Get("/ws/banners/{userID}", h.banners)
	return r
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindLockTimeout:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= 500 {
		h.log.Error("request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decode reads a JSON body and runs struct validation.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	const op = "httpapi.decode"
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.New(apperr.KindValidation, op, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return apperr.Newf(apperr.KindValidation, op, "%s failed on '%s' validation", fe.Field(), fe.Tag())
		}
		return apperr.New(apperr.KindValidation, op, err)
	}
	return nil
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := h.svc.GetUserNotifications(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.MarkAsRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteNotification(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.svc.Preferences(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (h *Handler) setPreference(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.svc.SetEnabled(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "categoryID"), *req.Enabled)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) setAllPreferences(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	prefs, err := h.svc.SetAllEnabled(r.Context(), chi.URLParam(r, "userID"), *req.Enabled)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (h *Handler) categories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var storeID *string
	if s := strings.TrimSpace(q.Get("store_id")); s != "" {
		storeID = &s
	}
	cats, err := h.svc.Categories(r.Context(), q.Get("user_type"), storeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

func (h *Handler) syncStore(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.SyncStoreCategories(r.Context(), chi.URLParam(r, "storeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type subscribeRequest struct {
	Endpoint string                 `json:"endpoint" validate:"required,url"`
	Keys     model.SubscriptionKeys `json:"keys"`
	Category *string                `json:"category,omitempty"`
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	sub, err := h.svc.Subscribe(r.Context(), model.Subscription{
		UserID:   chi.URLParam(r, "userID"),
		Endpoint: req.Endpoint,
		Keys:     req.Keys,
		Category: req.Category,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Unsubscribe(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("endpoint")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionRequest struct {
	State  string `json:"state" validate:"required,oneof=default granted denied"`
	ChatID int64  `json:"chat_id" validate:"gte=0"`
}

func (h *Handler) setPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	l, err := h.svc.SetPermission(r.Context(), chi.URLParam(r, "userID"), model.Permission(req.State), req.ChatID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type systemRequest struct {
	Title     string   `json:"title" validate:"required,max=200"`
	Body      string   `json:"body" validate:"max=2000"`
	Category  string   `json:"category"`
	TargetURL string   `json:"target_url"`
	UserIDs   []string `json:"user_ids" validate:"omitempty,dive,required"`
}

func (h *Handler) systemMessage(w http.ResponseWriter, r *http.Request) {
	var req systemRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.svc.SendSystemMessage(r.Context(), notify.SystemMessage{
		Title:     req.Title,
		Body:      req.Body,
		Category:  req.Category,
		TargetURL: req.TargetURL,
		UserIDs:   req.UserIDs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) dismissBanner(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DismissBanner(chi.URLParam(r, "bannerID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) banners(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	hub := h.svc.Banners()
	if userID == "" || hub == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "banner stream unavailable"})
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.String("user_id", userID), logx.Err(err))
		return
	}
	if err := hub.Serve(r.Context(), userID, conn); err != nil {
		h.log.Debug("banner stream ended", logx.String("user_id", userID), logx.Err(err))
	}
}
