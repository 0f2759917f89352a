package mirror

import (
	"kobocat/internal/openrosa"
	"kobocat/pkg/domain"
)

const submissionTimeLayout = "2006-01-02T15:04:05"

// BuildDocument renders the mirror document for an instance. Answers come
// from the stored JSON, or are parsed from the XML for rows stored before
// JSON was kept. openrosa.ErrEmptyInstance is returned for instances without
// any answer.
func BuildDocument(form domain.Form, inst domain.Instance, attachments []domain.Attachment) (Document, error) {
	answers := inst.JSON
	var version string
	if doc, err := openrosa.ParseXML([]byte(inst.XML)); err == nil {
		version = doc.Version()
		if len(answers) == 0 {
			if answers, err = openrosa.ToJSON(doc); err != nil {
				return nil, err
			}
		}
	} else if len(answers) == 0 {
		return nil, err
	}

	out := Document(openrosa.Flatten(answers))
	out[FieldID] = inst.ID
	out[FieldUUID] = inst.UUID
	out[FieldUserFormID] = form.UserFormID()
	out[FieldIDString] = form.IDString
	out[FieldSubmissionTime] = inst.DateCreated.UTC().Format(submissionTimeLayout)
	out[FieldStatus] = string(inst.Status)
	if inst.SubmittedBy != "" {
		out[FieldSubmittedBy] = inst.SubmittedBy
	} else {
		out[FieldSubmittedBy] = nil
	}
	if version != "" {
		out[FieldVersion] = version
	}
	atts := make([]any, 0, len(attachments))
	for _, a := range attachments {
		if !a.Live() {
			continue
		}
		atts = append(atts, map[string]any{
			"id":       a.ID,
			"filename": a.Filename,
			"mimetype": a.MimeType,
			"instance": a.InstanceID,
			"xform":    a.FormID,
		})
	}
	out[FieldAttachments] = atts
	return out, nil
}
