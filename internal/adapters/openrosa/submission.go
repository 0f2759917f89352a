package openrosa

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kobocat/internal/ingest"
	protocol "kobocat/internal/openrosa"
	"kobocat/pkg/domain"
)

const (
	xmlSubmissionField = "xml_submission_file"
	zipSubmissionField = "zip_submission_file"
)

func (s *Server) submission(c *gin.Context) {
	username := strings.ToLower(c.Param("username"))
	var req *domain.User
	if username != "" {
		var ok bool
		if _, req, ok = s.ownerProfile(c); !ok {
			return
		}
	} else {
		// The owner-less endpoint cannot tell whose form this is before
		// parsing, so it always asks for credentials.
		if req, _ = s.credentials(c); req == nil {
			challenge(c)
			return
		}
	}

	if c.Request.Method == http.MethodHead {
		path := ingest.SubmissionPath
		if username != "" {
			path = "/" + username + ingest.SubmissionPath
		}
		c.Header("Location", baseURL(c.Request)+path)
		protocol.SetHeaders(c.Writer.Header(), s.now(), s.maxLength)
		c.Status(http.StatusNoContent)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxLength)
	if err := c.Request.ParseMultipartForm(s.maxLength); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.openRosaMessage(c, http.StatusRequestEntityTooLarge, "Submission is too large.")
			return
		}
		s.openRosaMessage(c, http.StatusBadRequest, "File transfer interruption.")
		return
	}
	form := c.Request.MultipartForm
	xmlFiles := form.File[xmlSubmissionField]
	if len(xmlFiles) != 1 {
		s.openRosaMessage(c, http.StatusBadRequest, "There should be a single XML submission file.")
		return
	}
	raw, err := readPart(xmlFiles[0])
	if err != nil {
		s.openRosaMessage(c, http.StatusBadRequest, "File transfer interruption.")
		return
	}
	media, err := mediaParts(form)
	if err != nil {
		s.openRosaMessage(c, http.StatusBadRequest, "File transfer interruption.")
		return
	}

	sub := ingest.Submission{
		Username:  username,
		XML:       raw,
		Media:     media,
		FormUUID:  c.Request.FormValue("uuid"),
		Requester: req,
		Path:      c.Request.URL.Path,
	}
	inst, rej, err := s.svc.SafeCreateInstance(c.Request.Context(), sub)
	switch {
	case errors.Is(err, ingest.ErrUnauthenticatedEdit):
		challenge(c)
		return
	case err != nil:
		s.openRosaMessage(c, http.StatusInternalServerError, "Unable to create submission.")
		return
	case rej != nil:
		if rej.Duplicate {
			c.Header("Location", baseURL(c.Request)+c.Request.URL.Path)
		}
		s.openRosaMessage(c, rej.Status, rej.Message)
		return
	}

	body, err := s.receipt(inst)
	if err != nil {
		s.logger.Error("render submission receipt", zap.String("instance", inst.ID), zap.Error(err))
		s.openRosaMessage(c, http.StatusInternalServerError, "Unable to create submission.")
		return
	}
	c.Header("Location", baseURL(c.Request)+c.Request.URL.Path)
	s.openRosa(c, http.StatusCreated, body)
}

func (s *Server) receipt(inst domain.Instance) ([]byte, error) {
	form, ok := s.svc.Store().GetForm(inst.FormID)
	if !ok {
		return nil, fmt.Errorf("form %s of instance %s vanished", inst.FormID, inst.ID)
	}
	return protocol.SubmissionResponse(protocol.SubmissionReceipt{
		FormID:               form.IDString,
		InstanceID:           inst.UUID,
		Encrypted:            form.Encrypted,
		SubmissionDate:       inst.DateCreated,
		MarkedAsCompleteDate: inst.DateModified,
	})
}

// mediaParts returns every uploaded file except the XML, ordered by field
// name so attachment ids are stable.
func mediaParts(form *multipart.Form) ([]ingest.MediaFile, error) {
	fields := make([]string, 0, len(form.File))
	for name := range form.File {
		if name != xmlSubmissionField {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	var media []ingest.MediaFile
	for _, name := range fields {
		for _, fh := range form.File[name] {
			data, err := readPart(fh)
			if err != nil {
				return nil, err
			}
			media = append(media, ingest.MediaFile{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}
	return media, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

type bulkResponse struct {
	Message string `json:"message"`
	Errors  string `json:"errors"`
}

// bulkSubmission imports a zip of ODK instance folders for the owner.
func (s *Server) bulkSubmission(c *gin.Context) {
	owner, req, ok := s.ownerProfile(c)
	if !ok {
		return
	}
	if req == nil {
		challenge(c)
		return
	}
	if req.Username != owner.Username && !req.IsSuperuser {
		writeError(c, http.StatusForbidden, "Forbidden")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxLength)
	if err := c.Request.ParseMultipartForm(s.maxLength); err != nil {
		c.String(http.StatusBadRequest, "There was a problem receiving your ODK submission. [Error: IO Error reading data]")
		return
	}
	files := c.Request.MultipartForm.File[zipSubmissionField]
	if len(files) != 1 {
		c.String(http.StatusBadRequest, "There was a problem receiving your ODK submission. [Error: multiple submission files (?)]")
		return
	}
	f, err := files[0].Open()
	if err != nil {
		c.String(http.StatusBadRequest, "There was a problem receiving your ODK submission. [Error: IO Error reading data]")
		return
	}
	defer f.Close()

	result, err := s.svc.ImportZip(c.Request.Context(), owner.Username, f, files[0].Size)
	if err != nil {
		c.String(http.StatusBadRequest, "There was a problem receiving your ODK submission. [Error: %v]", err)
		return
	}
	c.Header("Location", baseURL(c.Request)+c.Request.URL.Path)
	c.JSON(http.StatusOK, bulkResponse{
		Message: fmt.Sprintf("Submission complete. Out of %d survey instances, %d were imported, (%d were rejected as duplicates, missing forms, etc.)",
			result.Total, result.Success, result.Rejected()),
		Errors: fmt.Sprintf("%d %v", len(result.Errors), result.Errors),
	})
}
