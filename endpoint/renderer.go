package endpoint

import "net/http"

// StringRenderer writes Body with Status (default 200). ContentType defaults
// to text/plain unless a Content-Type header is already set.
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") != "" {
		return
	}
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
}

func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, sr.ContentType)
	status := sr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// NoContentRenderer writes Status (default 204) and no body.
type NoContentRenderer struct {
	Status int
}

func (nr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	status := nr.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return nil
}

// RedirectRenderer redirects to URL. Status defaults to 307.
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusTemporaryRedirect
	}
	http.Redirect(w, r, rr.URL, status)
	return nil
}
