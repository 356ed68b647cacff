package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"clawgate/internal/domain"
	"clawgate/internal/infra/middleware"
	"clawgate/internal/usecase/bridge"
)

// Request headers understood by the chat completions endpoint.
const (
	HeaderSessionKey = "X-OpenClaw-Session-Key"
	HeaderAgentID    = "X-OpenClaw-Agent-Id"
)

// RunStarter starts agent runs for prepared requests.
type RunStarter interface {
	Run(ctx context.Context, rs bridge.RunSpec) (*domain.RunResult, error)
	Stream(ctx context.Context, rs bridge.RunSpec, sink bridge.ChunkSink)
}

// OpenAIConfig holds listener settings for the OpenAI-compatible channel.
type OpenAIConfig struct {
	Addr         string
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	RateLimit    middleware.RateLimitConfig
}

// OpenAIDeps holds the collaborators of an OpenAIChannel.
type OpenAIDeps struct {
	Preparer *bridge.Preparer
	Runs     RunStarter
	Auth     domain.Authorizer
	Journal  domain.RunJournal // optional, enables GET /v1/runs/{id}
	Events   http.Handler      // optional, mounted at /v1/events
	Logger   *slog.Logger
}

// OpenAIChannel serves POST /v1/chat/completions over HTTP.
type OpenAIChannel struct {
	cfg    OpenAIConfig
	deps   OpenAIDeps
	server *http.Server

	// Actual bound address (set after Start)
	boundAddr string

	// Lifecycle of the rate limiter cleanup goroutine
	cancel context.CancelFunc
}

// NewOpenAIChannel creates the channel. Call Start to listen.
func NewOpenAIChannel(cfg OpenAIConfig, deps OpenAIDeps) *OpenAIChannel {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 30 << 20
	}
	return &OpenAIChannel{cfg: cfg, deps: deps}
}

// Handler returns the full middleware-wrapped handler tree. The rate limiter
// cleanup goroutine lives until ctx is done.
func (c *OpenAIChannel) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", c.handleChatCompletions)
	mux.HandleFunc("GET /v1/health", c.handleHealth)
	if c.deps.Journal != nil {
		mux.HandleFunc("GET /v1/runs/{id}", c.handleGetRun)
	}
	if c.deps.Events != nil {
		mux.Handle("GET /v1/events", c.deps.Events)
	}

	rl := c.cfg.RateLimit
	rl.OnLimit = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", domain.TypeInvalidRequest)
	})

	return middleware.Chain(mux,
		middleware.AccessLog(c.deps.Logger),
		middleware.SecurityHeaders,
		middleware.RateLimitWithConfig(ctx, rl),
	)
}

// Start begins the HTTP server. Non-blocking (starts in goroutine).
func (c *OpenAIChannel) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.server = &http.Server{
		Addr:              c.cfg.Addr,
		Handler:           c.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       c.cfg.ReadTimeout,
		// No write timeout: a streamed run lasts as long as the agent takes.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		c.cancel()
		return fmt.Errorf("listen %s: %w", c.cfg.Addr, err)
	}
	c.boundAddr = ln.Addr().String()

	go func() {
		c.deps.Logger.Info("openai channel started", "addr", c.boundAddr)
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.deps.Logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address once started.
func (c *OpenAIChannel) Addr() string { return c.boundAddr }

// Stop gracefully shuts down the HTTP server.
func (c *OpenAIChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// Name identifies the channel in logs.
func (c *OpenAIChannel) Name() string { return "openai" }

func (c *OpenAIChannel) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", domain.TypeInvalidRequest)
		return
	}

	credential, ok := c.authorize(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, c.cfg.MaxBodyBytes)
	var req bridge.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("%s (max %d bytes)", domain.ErrBodyTooLarge, tooLarge.Limit), domain.TypeInvalidRequest)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), domain.TypeInvalidRequest)
		return
	}

	meta := bridge.RequestMetadata{
		SessionKey: r.Header.Get(HeaderSessionKey),
		AgentID:    r.Header.Get(HeaderAgentID),
		Credential: credential,
	}
	rs, err := c.deps.Preparer.Prepare(req, meta, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.ErrorTypeOf(err))
		return
	}

	if req.Stream {
		c.deps.Runs.Stream(r.Context(), rs, bridge.NewSSEWriter(w))
		return
	}

	result, err := c.deps.Runs.Run(r.Context(), rs)
	if err != nil {
		c.deps.Logger.Error("agent run failed", "run_id", rs.Identity.RunID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), domain.TypeAPIError)
		return
	}
	content := bridge.AssembleContent(result.Payloads)
	writeJSON(w, http.StatusOK, bridge.NewChatCompletion(rs.Identity, rs.Created.Unix(), content))
}

func (c *OpenAIChannel) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if _, ok := c.authorize(w, r); !ok {
		return
	}
	rec, err := c.deps.Journal.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error(), domain.TypeNotFound)
	case err != nil:
		c.deps.Logger.Error("journal lookup failed", "run_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "journal lookup failed", domain.TypeAPIError)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (c *OpenAIChannel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorize checks the bearer credential and writes a 401 on rejection.
func (c *OpenAIChannel) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	credential := BearerToken(r.Header.Get("Authorization"))
	_, err := c.deps.Auth.Authorize(r.Context(), credential, domain.RequestContext{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		c.deps.Logger.Debug("request unauthorized", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, "Unauthorized", domain.TypeUnauthorized)
		return "", false
	}
	return credential, true
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, typ domain.ErrorType) {
	writeJSON(w, status, bridge.ErrorEnvelope{Error: bridge.ErrorBody{Message: message, Type: typ}})
}
