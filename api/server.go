// Package api exposes the circulation engine over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"library-circulation/library"
)

const (
	principalKey = "principal"
	requestIDKey = "req_id"
)

func init() {
	// Fine amounts go out as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Server routes HTTP requests to a LibraryManager.
type Server struct {
	mgr     *library.LibraryManager
	logger  *zap.Logger
	router  *gin.Engine
	metrics http.Handler
}

// NewServer builds the router. metrics may be nil, in which case /metrics is
// not served.
func NewServer(mgr *library.LibraryManager, logger *zap.Logger, metrics http.Handler) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{mgr: mgr, logger: logger, router: gin.New(), metrics: metrics}
	s.router.Use(gin.Recovery(), withRequestID(), s.logRequests())
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := s.router.Group("/api")

	books := api.Group("/books")
	{
		books.GET("", s.handleListBooks)
		books.GET("/:id", s.handleGetBook)
	}

	borrow := api.Group("/borrow", s.authenticate)
	{
		borrow.POST("/borrow", s.handleBorrow)
		borrow.PUT("/return/:transactionId", s.handleReturn)
		borrow.PUT("/renew/:transactionId", s.handleRenew)
		borrow.GET("/my-borrowings", s.handleMyBorrowings)
		borrow.GET("/history", s.handleHistory)
		borrow.GET("/all", requireRole(library.RoleAdmin), s.handleAllBorrowings)
	}

	admin := api.Group("/admin", s.authenticate, requireRole(library.RoleAdmin))
	{
		admin.GET("/fines", s.handleListFines)
		admin.PUT("/fines/:id", s.handleSettleFine)
	}
}

// --- Middleware ---

func withRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(requestIDKey, reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http",
			zap.String("req_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// authenticate resolves HTTP Basic credentials (member id, password) to a
// principal.
func (s *Server) authenticate(c *gin.Context) {
	user, pass, hasAuth := c.Request.BasicAuth()
	if !hasAuth {
		c.Header("WWW-Authenticate", `Basic realm="library"`)
		abortErr(c, http.StatusUnauthorized, "credentials required", "unauthenticated")
		return
	}
	memberID, err := strconv.ParseInt(user, 10, 64)
	if err != nil {
		abortErr(c, http.StatusUnauthorized, "member id must be numeric", "unauthenticated")
		return
	}
	p, err := s.mgr.AuthenticateMember(c.Request.Context(), memberID, pass)
	if err != nil {
		if errors.Is(err, library.ErrInvalidCredentials) {
			abortErr(c, http.StatusUnauthorized, err.Error(), "unauthenticated")
			return
		}
		s.fail(c, err)
		return
	}
	c.Set(principalKey, p)
	c.Next()
}

func requireRole(role library.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if principal(c).Role != role {
			abortErr(c, http.StatusForbidden, "not authorized", "forbidden")
			return
		}
		c.Next()
	}
}

func principal(c *gin.Context) library.Principal {
	p, _ := c.Get(principalKey)
	pr, _ := p.(library.Principal)
	return pr
}

// --- Responses ---

// loanView reports the derived overdue flag next to the stored status.
type loanView struct {
	*library.Transaction
	Overdue bool `json:"overdue"`
}

func viewLoan(tx *library.Transaction, now time.Time) loanView {
	return loanView{Transaction: tx, Overdue: tx.IsOverdue(now)}
}

func viewLoans(txs []*library.Transaction, now time.Time) []loanView {
	out := make([]loanView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, viewLoan(tx, now))
	}
	return out
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func abortErr(c *gin.Context, status int, msg, reason string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg, "reason": reason})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch library.KindOf(err) {
	case library.KindNotFound:
		return http.StatusNotFound
	case library.KindConflict:
		return http.StatusConflict
	case library.KindForbidden:
		return http.StatusForbidden
	case library.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	reason := library.ReasonOf(err)
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		s.logger.Error("request failed", zap.String("req_id", c.GetString(requestIDKey)), zap.Error(err))
		msg = "service unavailable"
		reason = "unavailable"
	}
	abortErr(c, status, msg, reason)
}

func pageParams(c *gin.Context) (page, limit int, err error) {
	page, limit = 1, 20
	if v := c.Query("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
	}
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
	}
	return page, limit, nil
}
