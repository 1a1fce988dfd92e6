package server

import (
	"net/http"
	"time"

	"github.com/amoylab/sessiond/internal/session"

	"github.com/gin-gonic/gin"
)

type sessionView struct {
	ID           string    `json:"id"`
	ExtendedID   string    `json:"extended_id"`
	Hits         int       `json:"hits"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	MaxInactive  string    `json:"max_inactive"`
}

// handleSession reports the request's session and counts the visit in its
// hits attribute
func (s *Server) handleSession(c *gin.Context) {
	sess, ok := session.FromContext(c)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session available"})
		return
	}

	hits := hitsOf(sess) + 1
	sess.SetAttribute("hits", hits)

	c.JSON(http.StatusOK, sessionView{
		ID:           sess.ID(),
		ExtendedID:   s.authority.ExtendedID(sess.ID()),
		Hits:         hits,
		State:        sess.State().String(),
		CreatedAt:    sess.CreatedAt(),
		LastAccessed: sess.LastAccessed(),
		MaxInactive:  sess.MaxInactive().String(),
	})
}

// handleInvalidate ends the request's session
func (s *Server) handleInvalidate(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := session.FromContext(c)
		if !ok {
			c.Status(http.StatusNoContent)
			return
		}
		if err := m.Invalidate(c.Request.Context(), sess.ID()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.SetCookie(s.authority.CookieName(), "", -1, m.Path(), "", false, true)
		c.Status(http.StatusNoContent)
	}
}

// hitsOf reads the counter whether it was stored in memory or decoded from
// a backend
func hitsOf(sess *session.Session) int {
	v, _ := sess.Attribute("hits")
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
