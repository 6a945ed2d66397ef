package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avakeys/internal/keys"
)

// adminActor is recorded as the actor of admin operations.
const adminActor = "admin"

func (s *Server) registerRoutes() {
	if s.health != nil {
		s.health.RegisterRoutes(s.engine)
	}

	v1 := s.engine.Group("/v1")
	v1.POST("/keys.verifyKey", s.verifyKey(false))
	v1.POST("/keys/verify", s.verifyKey(true))
	v1.POST("/ratelimits.limit", s.limit)
	v1.POST("/keys.invalidate", s.requireAdmin, s.invalidate)

	s.engine.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, CodeNotFound, "route not found")
	})
	s.engine.NoMethod(func(c *gin.Context) {
		abortWithError(c, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
	})
}

// verifyKey answers every verification outcome with 200. The legacy route
// answers NOT_FOUND with 404.
func (s *Server) verifyKey(legacy bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body VerifyKeyRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, s.logger, badRequest("invalid request body", err))
			return
		}

		req, err := body.toService(requestID(c), s.ips.Extract(c), c.Request.UserAgent(), s.region(c))
		if err != nil {
			writeError(c, s.logger, err)
			return
		}

		result, err := s.service.Verify(c.Request.Context(), req)
		if err != nil {
			writeError(c, s.logger, err)
			return
		}

		status := http.StatusOK
		if _, notFound := result.(keys.NotFound); notFound && legacy {
			status = http.StatusNotFound
		}
		c.JSON(status, toVerifyResponse(result))
	}
}

func (s *Server) limit(c *gin.Context) {
	var body LimitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, s.logger, badRequest("invalid request body", err))
		return
	}
	req, err := body.toService(requestID(c))
	if err != nil {
		writeError(c, s.logger, err)
		return
	}

	resp, err := s.service.Ratelimit(c.Request.Context(), req)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, LimitResponse{
		Success:   resp.Pass,
		Limit:     resp.Limit,
		Remaining: resp.Remaining,
		Reset:     resp.Reset,
	})
}

func (s *Server) invalidate(c *gin.Context) {
	var body InvalidateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, s.logger, badRequest("invalid request body", err))
		return
	}
	if body.Hash == "" && body.ApiID == "" {
		writeError(c, s.logger, badRequest("hash or apiId is required", nil))
		return
	}

	ctx := c.Request.Context()
	if body.Hash != "" {
		s.service.Invalidate(ctx, body.Hash, adminActor)
	}
	if body.ApiID != "" {
		s.service.InvalidateApi(ctx, body.ApiID, adminActor)
	}
	c.Status(http.StatusNoContent)
}

// requireAdmin checks the bearer token of admin routes when one is configured.
func (s *Server) requireAdmin(c *gin.Context) {
	if s.cfg.AdminToken == "" {
		c.Next()
		return
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		abortWithError(c, http.StatusUnauthorized, CodeUnauthorized, "a valid admin token is required")
		return
	}
	c.Next()
}

func (s *Server) region(c *gin.Context) string {
	if s.cfg.RegionHeader == "" {
		return ""
	}
	return c.GetHeader(s.cfg.RegionHeader)
}
