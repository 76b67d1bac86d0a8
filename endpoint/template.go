package endpoint

import (
	"bytes"
	"errors"
	"html/template"
	"io"
	"net/http"
)

// HTMLTemplateRenderer executes an html/template into a buffer and writes it
// with Status (default 200). Buffering lets execution errors surface before
// the status line is committed.
//
// Name selects a named template; when empty the root template runs.
type HTMLTemplateRenderer struct {
	Status   int
	Template *template.Template
	Name     string
	Values   any
}

func (hr *HTMLTemplateRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if hr.Template == nil {
		return errors.New("endpoint: nil html/template")
	}

	var buf bytes.Buffer
	var err error
	if hr.Name != "" {
		err = hr.Template.ExecuteTemplate(&buf, hr.Name, hr.Values)
	} else {
		err = hr.Template.Execute(&buf, hr.Values)
	}
	if err != nil {
		return err
	}

	setContentType(w, "text/html; charset=utf-8")
	status := hr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err = io.Copy(w, &buf)
	return err
}
