package hook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secd-project/secd/pkg/gitlab"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secd_hook_requests_total",
			Help: "Webhook requests received, by response code",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
}

// Orchestrator is the run pipeline the ingress hands accepted payloads to.
type Orchestrator interface {
	Create(ctx context.Context, payload gitlab.Payload) error
}

// Handler terminates the provider's webhook. It answers before orchestration
// starts: accepted pushes are dispatched to a fresh goroutine whose lifetime
// is tied to the server, not the request.
type Handler struct {
	secret       string
	orchestrator Orchestrator
	logger       logr.Logger

	// baseCtx scopes dispatched orchestrations; the request context dies with
	// the response and must not be used for them.
	baseCtx context.Context
}

func NewHandler(baseCtx context.Context, secret string, orchestrator Orchestrator, logger logr.Logger) *Handler {
	return &Handler{
		secret:       secret,
		orchestrator: orchestrator,
		logger:       logger.WithValues("component", "hook"),
		baseCtx:      baseCtx,
	}
}

// Router mounts the webhook and liveness endpoints. Only the request path is
// time-bounded; dispatched orchestrations run as long as they need.
func (h *Handler) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(15 * time.Second))

	router.Post("/v1/hook", h.serveHook)
	router.Get("/healthz", h.serveHealth)

	return router
}

func (h *Handler) serveHook(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-Gitlab-Event")
	if event != "Push Hook" && event != "System Hook" {
		h.respond(w, http.StatusBadRequest, "unsupported event")
		return
	}

	token := r.Header.Get("X-Gitlab-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
		h.respond(w, http.StatusUnauthorized, "invalid token")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respond(w, http.StatusBadRequest, "unreadable body")
		return
	}

	payload := gitlab.Payload{}
	if err := json.Unmarshal(body, &payload); err != nil {
		h.respond(w, http.StatusBadRequest, "body is not valid JSON")
		return
	}

	h.dispatch(payload)
	h.respond(w, http.StatusOK, "success")
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, "ok")
}

// dispatch hands the payload to the orchestrator on a fresh goroutine. Its
// only failure mode is log-and-continue: nothing an orchestration does may
// kill the ingress.
func (h *Handler) dispatch(payload gitlab.Payload) {
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				h.logger.Error(fmt.Errorf("panic: %v", recovered), "orchestration panicked", "event", "hook.dispatch.panic", "ref", payload.Ref)
			}
		}()

		if err := h.orchestrator.Create(h.baseCtx, payload); err != nil {
			h.logger.Error(err, "orchestration failed", "event", "hook.dispatch.failed", "ref", payload.Ref, "project", payload.Project.PathWithNamespace)
		}
	}()
}

func (h *Handler) respond(w http.ResponseWriter, code int, status string) {
	requestsTotal.WithLabelValues(fmt.Sprintf("%d", code)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
