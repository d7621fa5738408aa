package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Ashfaaq98/ta-cortex/internal/cortex"
	"github.com/Ashfaaq98/ta-cortex/internal/exitcode"
)

// ReceiverOptions controls the HTTP receiver.
type ReceiverOptions struct {
	// Bind address, e.g. "127.0.0.1:8081"
	Bind string
	// Token accepted as Authorization: Bearer <token>.
	Token string
	// JWTSecret, when set, also accepts HS256 tokens signed with it.
	JWTSecret string
	// RPS is max requests per second (approximate). 0 disables rate limiting.
	RPS   int
	Burst int
	// MaxBodyBytes caps request body size; defaults to 1 MiB.
	MaxBodyBytes int64
	Logger       *log.Logger
	Debug        *log.Logger
}

// Receiver accepts indicators over HTTP and submits them synchronously.
type Receiver struct {
	router  *gin.Engine
	srv     *http.Server
	sub     Submitter
	opts    ReceiverOptions
	limiter *cortex.RateLimiter
	logger  *log.Logger
	started int32
}

// JobResult is the outcome of one submitted request.
type JobResult struct {
	Data  string       `json:"data"`
	SID   string       `json:"sid,omitempty"`
	Jobs  []cortex.Job `json:"jobs,omitempty"`
	Error string       `json:"error,omitempty"`
	Code  int          `json:"code,omitempty"`
}

func NewReceiver(sub Submitter, opts ReceiverOptions) *Receiver {
	if opts.Bind == "" {
		opts.Bind = "127.0.0.1:8081"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[http-ingest] ", log.LstdFlags)
	}
	if opts.Debug == nil {
		opts.Debug = log.New(io.Discard, "", 0)
	}
	if opts.RPS > 0 && opts.Burst <= 0 {
		opts.Burst = opts.RPS
	}

	r := &Receiver{
		sub:    sub,
		opts:   opts,
		logger: opts.Logger,
	}

	if opts.RPS > 0 {
		r.limiter = cortex.NewRateLimiter(opts.RPS, opts.Burst)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", r.handleHealth)

	api := router.Group("/api/v1")
	api.Use(r.authenticate(), r.rateLimit())
	api.POST("/jobs", r.handleJobs)

	r.router = router
	r.srv = &http.Server{
		Addr:         opts.Bind,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return r
}

// Handler exposes the router, mainly for tests.
func (r *Receiver) Handler() http.Handler { return r.router }

// Start binds, serves in the background and shuts down when ctx is done.
func (r *Receiver) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return errors.New("http receiver already started")
	}
	// Bind early to surface errors synchronously
	ln, err := net.Listen("tcp", r.opts.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", r.opts.Bind, err)
	}
	r.logger.Printf("HTTP receiver listening on http://%s rps=%d burst=%d auth=%v",
		ln.Addr(), r.opts.RPS, r.opts.Burst, r.opts.Token != "" || r.opts.JWTSecret != "")

	go func() {
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Printf("server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Printf("graceful shutdown failed: %v", err)
		}
		if r.limiter != nil {
			r.limiter.Close()
		}
	}()
	return nil
}

func (r *Receiver) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "ta-cortex"})
}

// authenticate accepts the static token or, when configured, a valid HS256
// JWT. No credentials configured means no authentication.
func (r *Receiver) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.opts.Token == "" && r.opts.JWTSecret == "" {
			c.Next()
			return
		}
		token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !found || token == "" || !r.validToken(token) {
			c.Header("WWW-Authenticate", `Bearer realm="ta-cortex"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (r *Receiver) validToken(token string) bool {
	if r.opts.Token != "" && token == r.opts.Token {
		return true
	}
	if r.opts.JWTSecret == "" {
		return false
	}
	parsed, err := jwt.Parse(token, func(_ *jwt.Token) (any, error) {
		return []byte(r.opts.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil && parsed.Valid
}

func (r *Receiver) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.limiter == nil {
			c.Next()
			return
		}
		if err := r.limiter.Wait(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// handleJobs accepts one request object or an array of them. A single
// request answers with the status matching its outcome; a batch always
// answers 200 with per-item results.
func (r *Receiver) handleJobs(c *gin.Context) {
	start := time.Now()
	requestID := uuid.New().String()
	c.Header("X-Request-ID", requestID)

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, r.opts.MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "failed to read body"})
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}

	if trim[0] != '[' {
		res := r.submitRaw(c.Request.Context(), trim, requestID)
		status := http.StatusCreated
		if res.Error != "" {
			status = statusFor(res.Code)
		}
		c.JSON(status, gin.H{"request_id": requestID, "result": res})
		r.logger.Printf("request=%s items=1 status=%d remote=%s dur=%s", requestID, status, c.ClientIP(), time.Since(start))
		return
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trim, &raws); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	results := make([]JobResult, 0, len(raws))
	for _, raw := range raws {
		results = append(results, r.submitRaw(c.Request.Context(), raw, requestID))
	}
	c.JSON(http.StatusOK, gin.H{"request_id": requestID, "results": results})
	r.logger.Printf("request=%s items=%d remote=%s dur=%s", requestID, len(raws), c.ClientIP(), time.Since(start))
}

// submitRaw parses and submits one request. Requests without a sid share
// the request id.
func (r *Receiver) submitRaw(ctx context.Context, raw []byte, requestID string) JobResult {
	req, err := ParseRequest(raw, r.opts.Debug)
	if err != nil {
		code := exitcode.Code(err)
		if code == 1 {
			code = 0
		}
		return JobResult{Error: err.Error(), Code: code}
	}
	req = withSID(req, requestID)

	handles, err := r.sub.Submit(ctx, req)
	if err != nil {
		return JobResult{Data: req.Data, SID: req.SID, Jobs: handles, Error: err.Error(), Code: exitcode.Code(err)}
	}
	return JobResult{Data: req.Data, SID: req.SID, Jobs: handles}
}

// statusFor maps an exit code to an HTTP status.
func statusFor(code int) int {
	switch code {
	case 0, exitcode.FieldMissing, exitcode.WrongDataType:
		return http.StatusBadRequest
	case exitcode.AnalyzerNotFound:
		return http.StatusUnprocessableEntity
	case exitcode.ServiceUnavailable, exitcode.AuthenticationFail, exitcode.JobFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
