// Package httpserver exposes the quota administration, observer stream and WhatsApp webhook
// endpoints over HTTP.
package httpserver

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/app/realtime"
	"github.com/coachpo/gestion360/internal/app/whatsapp"
	"github.com/coachpo/gestion360/internal/domain/message"
	"github.com/coachpo/gestion360/internal/domain/quota"
	"github.com/coachpo/gestion360/internal/infra/auth"
	"github.com/coachpo/gestion360/internal/observability"
)

const (
	maxJSONBodyBytes    int64 = 1 << 20 // 1 MiB
	maxWebhookBodyBytes int64 = 4 << 20

	settingsPath        = "/settings"
	settingDetailPrefix = settingsPath + "/"

	ssePath        = "/whatsapp-sse"
	sseConnectPath = ssePath + "/connect"
	sseSocketPath  = ssePath + "/ws"
	sseStatsPath   = ssePath + "/stats"
	sseHealthPath  = ssePath + "/health"

	defaultFrameWriteTimeout = 2 * time.Second

	messagesPrefix = "/whatsapp-messages/"

	whatsappPath     = "/whatsapp"
	whatsappSendPath = whatsappPath + "/send-text-message"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Options carries the collaborators the handlers dispatch to. Nil collaborators make the
// corresponding routes answer 503.
type Options struct {
	Quota          *quota.Service
	History        *message.Service
	Registry       *realtime.Registry
	Ingester       *whatsapp.Ingester
	Sender         *whatsapp.Sender
	Authenticator  auth.Authenticator
	AllowedOrigins []string

	// FrameWriteTimeout bounds each observer frame write; defaults to two seconds.
	FrameWriteTimeout time.Duration
}

type httpServer struct {
	quota    *quota.Service
	history  *message.Service
	registry *realtime.Registry
	ingester *whatsapp.Ingester
	sender   *whatsapp.Sender
	authn    auth.Authenticator
	origins  []string

	frameTimeout time.Duration
}

// NewHandler creates the HTTP handler for every public route.
func NewHandler(opts Options) http.Handler {
	authn := opts.Authenticator
	if authn == nil {
		authn = auth.AllowAll{}
	}
	frameTimeout := opts.FrameWriteTimeout
	if frameTimeout <= 0 {
		frameTimeout = defaultFrameWriteTimeout
	}
	server := &httpServer{
		quota:    opts.Quota,
		history:  opts.History,
		registry: opts.Registry,
		ingester: opts.Ingester,
		sender:   opts.Sender,
		authn:    authn,
		origins:  opts.AllowedOrigins,

		frameTimeout: frameTimeout,
	}
	mux := http.NewServeMux()

	mux.Handle(settingsPath, server.requireAuth(server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.upsertSetting,
	})))
	mux.Handle(settingDetailPrefix, server.requireAuth(http.HandlerFunc(server.handleSetting)))

	mux.Handle(sseConnectPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.connectStream,
	}))
	mux.Handle(sseSocketPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.connectSocket,
	}))
	mux.Handle(sseStatsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamStats,
	}))
	mux.Handle(sseHealthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamHealth,
	}))

	mux.Handle(messagesPrefix, server.requireAuth(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.handleMessages,
	})))

	mux.Handle(whatsappPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.verifyWebhook,
		http.MethodPost: server.receiveWebhook,
	}))
	mux.Handle(whatsappSendPath, server.requireAuth(server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.sendTextMessage,
	})))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// requireAuth resolves the bearer token into a principal stored on the request context.
func (s *httpServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := auth.BearerToken(r.Header.Get("Authorization"))
		principal, err := s.authn.Authenticate(r.Context(), token)
		if err != nil {
			observability.Log().Debug("request rejected",
				observability.F("path", r.URL.Path), observability.Err(err))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// writeFailure maps an error chain to its HTTP status. Server-side failures are logged and
// answered with a generic message.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		observability.Log().Error("request failed",
			observability.F("method", r.Method),
			observability.F("path", r.URL.Path),
			observability.Err(err))
	}
	message := err.Error()
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope.Message != "" {
		message = envelope.Message
	}
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	payload := map[string]any{"status": "error", "error": message}
	if code := errs.CodeOf(err); code != "" {
		payload["code"] = code
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
