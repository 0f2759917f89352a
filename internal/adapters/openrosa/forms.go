package openrosa

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	protocol "kobocat/internal/openrosa"
	"kobocat/pkg/domain"
)

// formList is where ODK Collect discovers downloadable forms. Forms that
// require authentication are only listed to their owner.
func (s *Server) formList(c *gin.Context) {
	owner, req, ok := s.ownerProfile(c)
	if !ok {
		return
	}
	isOwner := req != nil && req.Username == owner.Username
	var entries []protocol.FormListEntry
	for _, f := range s.svc.Store().ListForms(owner.Username) {
		if !f.Downloadable || (f.RequireAuth && !isOwner) {
			continue
		}
		entry := protocol.FormListEntry{IDString: f.IDString, Title: f.Title, XML: f.XML}
		if def, err := protocol.ParseForm([]byte(f.XML)); err == nil {
			entry.Version = def.Version
		}
		entries = append(entries, entry)
	}
	body, err := protocol.FormList(baseURL(c.Request), owner.Username, entries)
	if err != nil {
		s.logger.Error("render form list", zap.String("owner", owner.Username), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	s.openRosa(c, http.StatusOK, body)
}

func (s *Server) formXML(c *gin.Context) {
	form, ok := s.ownedForm(c)
	if !ok {
		return
	}
	s.openRosa(c, http.StatusOK, []byte(form.XML))
}

func (s *Server) manifest(c *gin.Context) {
	if _, ok := s.ownedForm(c); !ok {
		return
	}
	body, err := protocol.Manifest()
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	s.openRosa(c, http.StatusOK, body)
}

// ownedForm loads the form named in the path. A form that requires
// authentication is served only to its owner, a superuser or a holder of
// the report grant; anonymous clients get a challenge.
func (s *Server) ownedForm(c *gin.Context) (domain.Form, bool) {
	owner, req, ok := s.ownerProfile(c)
	if !ok {
		return domain.Form{}, false
	}
	var form domain.Form
	var found bool
	err := s.svc.Store().View(c.Request.Context(), func(v domain.TransactionView) error {
		form, found = v.FindFormByIDString(owner.Username, c.Param("id_string"))
		return nil
	})
	if err != nil {
		s.logger.Error("load form", zap.String("owner", owner.Username), zap.String("id_string", c.Param("id_string")), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return domain.Form{}, false
	}
	if !found {
		s.openRosaMessage(c, http.StatusNotFound, "Form does not exist on this account")
		return domain.Form{}, false
	}
	if form.RequireAuth {
		switch {
		case req == nil:
			challenge(c)
			return domain.Form{}, false
		case !req.IsSuperuser && req.Username != form.Owner && !form.HasPermission(req.Username, domain.PermissionReport):
			s.openRosaMessage(c, http.StatusForbidden, "Forbidden")
			return domain.Form{}, false
		}
	}
	return form, true
}
