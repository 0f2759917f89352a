package openrosa

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"kobocat/pkg/domain"
)

const (
	requesterKey = "kobocat.requester"
	realm        = `Basic realm="kobocat", charset="UTF-8"`
)

// forwardedHeaders are rewritten to their last hop. The nearest proxy is
// the only one whose value can be trusted.
var forwardedHeaders = []string{"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Server"}

func dechainProxyHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range forwardedHeaders {
			if v := c.Request.Header.Get(name); strings.Contains(v, ",") {
				c.Request.Header.Set(name, lastHop(v))
			}
		}
		if strings.Contains(c.Request.Host, ",") {
			c.Request.Host = lastHop(c.Request.Host)
		}
		c.Next()
	}
}

func lastHop(v string) string {
	parts := strings.Split(v, ",")
	return strings.TrimSpace(parts[len(parts)-1])
}

func (s *Server) observeStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.metrics.ObserveStatus(c.Writer.Status())
	}
}

// credentials resolves the basic auth header. present is false when the
// request carries none; user is nil when the credentials are wrong.
func (s *Server) credentials(c *gin.Context) (user *domain.User, present bool) {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		return nil, false
	}
	u, ok := s.svc.Authenticate(username, password)
	if !ok {
		return nil, true
	}
	return &u, true
}

func challenge(c *gin.Context) {
	c.Header("WWW-Authenticate", realm)
	c.AbortWithStatus(http.StatusUnauthorized)
}

// requireUser rejects requests without valid credentials and stores the
// account for the handlers.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := s.credentials(c)
		if user == nil {
			challenge(c)
			return
		}
		c.Set(requesterKey, user)
		c.Next()
	}
}

func (s *Server) requireSuperuser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if u := requester(c); u == nil || !u.IsSuperuser {
			writeError(c, http.StatusForbidden, "superuser required")
			return
		}
		c.Next()
	}
}

func requester(c *gin.Context) *domain.User {
	v, ok := c.Get(requesterKey)
	if !ok {
		return nil
	}
	u, _ := v.(*domain.User)
	return u
}

// ownerProfile loads the account named in the path. When the profile
// requires authentication the request must carry valid credentials; the
// returned requester may still be nil for public profiles. ok is false when
// a response has already been written.
func (s *Server) ownerProfile(c *gin.Context) (owner domain.User, req *domain.User, ok bool) {
	username := strings.ToLower(c.Param("username"))
	owner, found := s.svc.Store().GetUser(username)
	if !found {
		s.openRosaMessage(c, http.StatusNotFound, "No such user")
		c.Abort()
		return domain.User{}, nil, false
	}
	req, present := s.credentials(c)
	if present && req == nil {
		challenge(c)
		return domain.User{}, nil, false
	}
	if owner.RequireAuth && req == nil {
		challenge(c)
		return domain.User{}, nil, false
	}
	return owner, req, true
}

// baseURL is the scheme and authority the client reached the server on.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = lastHop(p)
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}
	return scheme + "://" + host
}
