package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kirillkom/medrag/internal/config"
	"github.com/kirillkom/medrag/internal/core/domain"
	"github.com/kirillkom/medrag/internal/core/ports"
)

type Router struct {
	cfg       config.HTTPConfig
	indexer   ports.DocumentIndexer
	submitter ports.DocumentSubmitter
	docs      ports.DocumentReader
	queries   ports.QueryService
	metrics   http.Handler
	onReject  RejectRecorder
	extra     []func(http.Handler) http.Handler
	logger    *zap.Logger
	validate  *validator.Validate
}

type RouterOption func(*Router)

// WithSubmitter enables asynchronous indexing when HTTPConfig.AsyncIndex is set.
func WithSubmitter(submitter ports.DocumentSubmitter) RouterOption {
	return func(rt *Router) { rt.submitter = submitter }
}

func WithMetricsHandler(h http.Handler) RouterOption {
	return func(rt *Router) { rt.metrics = h }
}

func WithRejectRecorder(rec RejectRecorder) RouterOption {
	return func(rt *Router) { rt.onReject = rec }
}

// WithMiddleware installs middleware after request IDs and access logging,
// inside the chi router so route patterns are visible to it.
func WithMiddleware(mw ...func(http.Handler) http.Handler) RouterOption {
	return func(rt *Router) { rt.extra = append(rt.extra, mw...) }
}

func WithLogger(logger *zap.Logger) RouterOption {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

func NewRouter(
	cfg config.HTTPConfig,
	indexer ports.DocumentIndexer,
	docs ports.DocumentReader,
	queries ports.QueryService,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:      cfg,
		indexer:  indexer,
		docs:     docs,
		queries:  queries,
		logger:   zap.NewNop(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware(rt.logger))
	r.Use(middleware.Recoverer)
	r.Use(rt.extra...)

	r.Get("/healthz", rt.healthz)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return rateLimitMiddleware(next, rt.cfg.RateLimitRPS, rt.cfg.RateLimitBurst, rt.onReject)
		})
		r.Use(func(next http.Handler) http.Handler {
			return backpressureMiddleware(next, rt.cfg.MaxInFlight, rt.cfg.QueueTimeout, rt.onReject)
		})

		r.Post("/documents", rt.createDocument)
		r.Get("/documents/{documentID}", rt.getDocument)
		r.Delete("/documents/{documentID}", rt.deleteDocument)
		r.Post("/query", rt.query)
		r.Post("/answer", rt.answer)
		r.Get("/cache/stats", rt.cacheStats)
		r.Post("/cache/warm", rt.warmCache)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "route not found", Code: "not_found", RequestID: requestIDFromContext(r.Context())})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Code: "method_not_allowed", RequestID: requestIDFromContext(r.Context())})
	})
	return r
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type documentRequest struct {
	ID         string `json:"id" validate:"omitempty,max=200,excludesall=/?#"`
	Title      string `json:"title" validate:"max=500"`
	SourceType string `json:"source_type" validate:"max=64"`
	Language   string `json:"language" validate:"omitempty,max=16"`
	Text       string `json:"text" validate:"required"`
}

func (rt *Router) createDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !rt.decode(w, r, &req) {
		return
	}
	doc := &domain.Document{
		ID:         strings.TrimSpace(req.ID),
		Title:      req.Title,
		SourceType: req.SourceType,
		Language:   req.Language,
		Text:       req.Text,
	}

	if rt.cfg.AsyncIndex && rt.submitter != nil {
		saved, err := rt.submitter.SubmitDocument(r.Context(), doc)
		if err != nil {
			rt.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, withoutText(saved))
		return
	}

	if doc.ID == "" {
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "index document", errors.New("id is required for synchronous indexing")))
		return
	}
	if err := rt.indexer.IndexDocument(r.Context(), doc); err != nil {
		rt.writeError(w, r, err)
		return
	}
	stored, err := rt.docs.GetByID(r.Context(), doc.ID)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, withoutText(stored))
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.docs.GetByID(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withoutText(doc))
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := rt.indexer.RemoveDocument(r.Context(), chi.URLParam(r, "documentID")); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryRequest struct {
	Query  string              `json:"query" validate:"required,max=4000"`
	TopK   int                 `json:"top_k" validate:"gte=0,lte=100"`
	Filter map[string][]string `json:"filter" validate:"omitempty,max=8,dive,keys,required,max=64,endkeys,min=1,max=16"`
}

func (rt *Router) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !rt.decode(w, r, &req) {
		return
	}
	res, err := rt.queries.Search(r.Context(), domain.QueryRequest{Text: req.Query, TopK: req.TopK, Filter: req.Filter})
	if err != nil {
		rt.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type answerRequest struct {
	Question string              `json:"question" validate:"required,max=4000"`
	TopK     int                 `json:"top_k" validate:"gte=0,lte=100"`
	Filter   map[string][]string `json:"filter" validate:"omitempty,max=8,dive,keys,required,max=64,endkeys,min=1,max=16"`
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !rt.decode(w, r, &req) {
		return
	}
	ans, err := rt.queries.Ask(r.Context(), domain.QueryRequest{Text: req.Question, TopK: req.TopK, Filter: req.Filter})
	if err != nil {
		rt.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (rt *Router) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.queries.CacheStats(r.Context())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type warmRequest struct {
	Queries []string `json:"queries" validate:"required,min=1,max=1000,dive,required"`
	TopK    int      `json:"top_k" validate:"gte=0,lte=100"`
}

func (rt *Router) warmCache(w http.ResponseWriter, r *http.Request) {
	var req warmRequest
	if !rt.decode(w, r, &req) {
		return
	}
	warmed, err := rt.queries.WarmCache(r.Context(), req.Queries, req.TopK)
	resp := map[string]any{"requested": len(req.Queries), "warmed": warmed}
	if err != nil {
		rt.logger.Warn("cache warm-up incomplete", zap.Error(err), zap.Int("warmed", warmed))
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := r.Body
	if rt.cfg.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxBodyBytes)
	}
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large", Code: "too_large", RequestID: requestIDFromContext(r.Context())})
			return false
		}
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "decode request", err))
		return false
	}
	if err := rt.validate.Struct(dst); err != nil {
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "validate request", err))
		return false
	}
	return true
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	rt.writeErrorBody(w, r, err, false)
}

// writeQueryError is writeError for routes that return evidence.
func (rt *Router) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	rt.writeErrorBody(w, r, err, true)
}

func (rt *Router) writeErrorBody(w http.ResponseWriter, r *http.Request, err error, evidence bool) {
	status := mapErrorToHTTPStatus(err)
	requestID := requestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request failed",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody(err, status, requestID, evidence))
}

// withoutText keeps responses small; document bodies can be megabytes.
func withoutText(doc *domain.Document) *domain.Document {
	if doc == nil {
		return nil
	}
	out := *doc
	out.Text = ""
	return &out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
