package openrosa

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kobocat/internal/blob"
	"kobocat/internal/mirror"
	"kobocat/pkg/domain"
)

const defaultPageSize = 100

// canRead reports whether u may see the submissions of form.
func canRead(u *domain.User, form domain.Form) bool {
	if u == nil {
		return false
	}
	return u.IsSuperuser || u.Username == form.Owner ||
		form.HasPermission(u.Username, domain.PermissionReport) ||
		form.HasPermission(u.Username, domain.PermissionChange)
}

// formData pages through the mirrored documents of a form.
func (s *Server) formData(c *gin.Context) {
	m := s.svc.Mirror()
	if m == nil {
		writeError(c, http.StatusServiceUnavailable, "mirror not configured")
		return
	}
	form, ok := s.svc.Store().GetForm(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, "form not found")
		return
	}
	if !canRead(requester(c), form) {
		writeError(c, http.StatusForbidden, "Forbidden")
		return
	}
	q, err := pageQuery(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	docs, err := m.Find(c.Request.Context(), form.UserFormID(), q)
	if err != nil {
		s.logger.Error("query mirror", zap.String("form", form.ID), zap.Error(err))
		writeError(c, http.StatusBadGateway, "mirror query failed")
		return
	}
	if docs == nil {
		docs = []mirror.Document{}
	}
	c.JSON(http.StatusOK, docs)
}

func pageQuery(c *gin.Context) (mirror.Query, error) {
	q := mirror.Query{Limit: defaultPageSize}
	if v := c.Query("start"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid start %q", v)
		}
		q.Skip = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("invalid limit %q", v)
		}
		q.Limit = n
	}
	return q, nil
}

// attachment streams the content of a live attachment. With redirect=true
// the client is sent to a presigned backend link when the driver has one.
func (s *Server) attachment(c *gin.Context) {
	store := s.svc.Store()
	att, ok := store.GetAttachment(c.Param("id"))
	if !ok || !att.Live() {
		writeError(c, http.StatusNotFound, "attachment not found")
		return
	}
	form, ok := store.GetForm(att.FormID)
	if !ok || !canRead(requester(c), form) {
		writeError(c, http.StatusForbidden, "Forbidden")
		return
	}
	if c.Query("redirect") == "true" {
		link, err := s.svc.Blobs().PresignURL(c.Request.Context(), att.BlobKey, blob.SignedURLOptions{})
		if err == nil {
			c.Redirect(http.StatusFound, link)
			return
		}
		if !errors.Is(err, blob.ErrUnsupported) {
			s.logger.Warn("presign attachment", zap.String("attachment", att.ID), zap.Error(err))
		}
	}
	info, rc, err := s.svc.Blobs().Get(c.Request.Context(), att.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(c, http.StatusNotFound, "attachment content missing")
		return
	}
	if err != nil {
		s.logger.Error("read attachment", zap.String("attachment", att.ID), zap.Error(err))
		writeError(c, http.StatusBadGateway, "attachment read failed")
		return
	}
	defer rc.Close()
	contentType := att.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, info.Size, contentType, rc, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", att.Basename),
	})
}

func (s *Server) mirrorStatus(c *gin.Context) {
	s.reconcile(c, mirror.SyncOptions{UpdateAll: c.Query("all") == "true"})
}

func (s *Server) mirrorRepair(c *gin.Context) {
	s.reconcile(c, mirror.SyncOptions{
		Repair:    true,
		UpdateAll: c.Query("all") == "true",
		Recount:   c.Query("recount") == "true",
	})
}

func (s *Server) reconcile(c *gin.Context, opts mirror.SyncOptions) {
	if s.reconciler == nil {
		writeError(c, http.StatusServiceUnavailable, "mirror not configured")
		return
	}
	opts.User = c.Query("user")
	opts.FormIDString = c.Query("form")
	report, err := s.reconciler.SyncStatus(c.Request.Context(), opts)
	if err != nil {
		s.logger.Error("mirror reconciliation", zap.Error(err))
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}
