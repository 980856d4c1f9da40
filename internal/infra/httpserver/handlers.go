package httpserver

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bryanwahyu/vulnreport/internal/application/assembler"
	"github.com/bryanwahyu/vulnreport/internal/application/generation"
	domai "github.com/bryanwahyu/vulnreport/internal/domain/ai"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/middleware"
)

func findingID(req *http.Request) (report.FindingID, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateResourceID("finding", id); err != nil {
		return "", badRequest{msg: err.Error()}
	}
	return report.FindingID(id), nil
}

func screenshotID(req *http.Request) (string, error) {
	id := chi.URLParam(req, "sid")
	if err := middleware.ValidateResourceID("screenshot", id); err != nil {
		return "", badRequest{msg: err.Error()}
	}
	return id, nil
}

func recordID(raw string) (report.RecordID, error) {
	if err := middleware.ValidateResourceID("record", raw); err != nil {
		return "", badRequest{msg: err.Error()}
	}
	return report.RecordID(raw), nil
}

type draftBody struct {
	Title string `json:"title"`
	Notes string `json:"notes"`
}

func (b *draftBody) validate(titleRequired bool) error {
	b.Title = middleware.SanitizeString(b.Title)
	if err := middleware.ValidateText("title", b.Title, titleRequired); err != nil {
		return badRequest{msg: err.Error()}
	}
	if err := middleware.ValidateText("notes", b.Notes, false); err != nil {
		return badRequest{msg: err.Error()}
	}
	return nil
}

// POST /v1/{project}/findings
// Body: {"title": "...", "notes": "..."}
func (r *Router) handleCreateFinding(w http.ResponseWriter, req *http.Request) error {
	var body draftBody
	if err := decodeJSON(req, &body); err != nil {
		return err
	}
	if err := body.validate(true); err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, r.findings.Create(body.Title, body.Notes))
}

// GET /v1/{project}/findings/{id}
func (r *Router) handleGetFinding(w http.ResponseWriter, req *http.Request) error {
	id, err := findingID(req)
	if err != nil {
		return err
	}
	f, err := r.findings.Get(id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, f)
}

// PUT /v1/{project}/findings/{id}/notes
func (r *Router) handleUpdateNotes(w http.ResponseWriter, req *http.Request) error {
	id, err := findingID(req)
	if err != nil {
		return err
	}
	var body draftBody
	if err := decodeJSON(req, &body); err != nil {
		return err
	}
	if err := body.validate(false); err != nil {
		return err
	}
	f, err := r.findings.UpdateDraft(id, body.Title, body.Notes)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, f)
}

// POST /v1/{project}/findings/{id}/screenshots
// multipart field "file", or JSON {"filename": "...", "image": "<base64 or data uri>"}
func (r *Router) handleAddScreenshot(w http.ResponseWriter, req *http.Request) error {
	id, err := findingID(req)
	if err != nil {
		return err
	}
	req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload)

	var (
		filename string
		raw      []byte
		mime     string
	)
	if strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/") {
		file, header, err := req.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return err
			}
			return badRequestf("file field: %v", err)
		}
		defer file.Close()
		if raw, err = io.ReadAll(file); err != nil {
			return err
		}
		filename = header.Filename
		mime = header.Header.Get("Content-Type")
		if mime == "application/octet-stream" {
			mime = ""
		}
	} else {
		var body struct {
			Filename string `json:"filename"`
			Image    string `json:"image"`
		}
		if err := decodeJSON(req, &body); err != nil {
			return err
		}
		if body.Image == "" {
			return badRequestf("image is required")
		}
		payload := body.Image
		if strings.HasPrefix(payload, "data:") {
			head, data, ok := strings.Cut(payload, ",")
			if !ok {
				return badRequestf("malformed data uri")
			}
			mime, _, _ = strings.Cut(strings.TrimPrefix(head, "data:"), ";")
			payload = data
		}
		if raw, err = base64.StdEncoding.DecodeString(payload); err != nil {
			return badRequestf("image is not valid base64")
		}
		filename = body.Filename
	}

	shot, err := r.findings.AddScreenshot(id, middleware.SanitizeString(filename), raw, mime)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, shot)
}

// DELETE /v1/{project}/findings/{id}/screenshots/{sid}
func (r *Router) handleRemoveScreenshot(w http.ResponseWriter, req *http.Request) error {
	id, err := findingID(req)
	if err != nil {
		return err
	}
	sid, err := screenshotID(req)
	if err != nil {
		return err
	}
	f, err := r.findings.RemoveScreenshot(id, sid)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, f)
}

// PUT /v1/{project}/findings/{id}/screenshots/order
// Body: {"ids": ["<sid>", ...]}
func (r *Router) handleReorder(w http.ResponseWriter, req *http.Request) error {
	id, err := findingID(req)
	if err != nil {
		return err
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(req, &body); err != nil {
		return err
	}
	f, err := r.findings.Reorder(id, body.IDs)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			return err
		}
		return badRequest{msg: err.Error()}
	}
	return writeJSON(w, http.StatusOK, f)
}

// POST /v1/{project}/findings/{id}/screenshots/{sid}/ocr?force=true
func (r *Router) handleOCR(w http.ResponseWriter, req *http.Request) error {
	id, err := findingID(req)
	if err != nil {
		return err
	}
	sid, err := screenshotID(req)
	if err != nil {
		return err
	}
	force, _ := strconv.ParseBool(req.URL.Query().Get("force"))

	text, err := r.findings.AttachOCR(req.Context(), id, sid, force)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{"screenshot_id": sid, "text": text})
}

// POST /v1/{project}/findings/{id}/generate/stream
// Body: {"kind": "report|killchain", "ocr": true}
func (r *Router) handleGenerate(w http.ResponseWriter, req *http.Request) error {
	id, err := findingID(req)
	if err != nil {
		return err
	}
	var body struct {
		Kind string `json:"kind"`
		OCR  bool   `json:"ocr"`
	}
	if err := decodeJSON(req, &body); err != nil {
		return err
	}
	if err := middleware.ValidateKind(body.Kind); err != nil {
		return badRequest{msg: err.Error()}
	}

	s, err := r.findings.Generate(req.Context(), id, report.Kind(body.Kind), body.OCR)
	if err != nil {
		return err
	}
	r.pipe(w, s)
	// let the finding absorb the outcome before the response completes
	_ = r.findings.WaitSettled(req.Context(), id)
	return nil
}

// POST /v1/{project}/findings/{id}/followup/stream
// Body: {"instruction": "..."}
func (r *Router) handleFollowUp(w http.ResponseWriter, req *http.Request) error {
	id, err := findingID(req)
	if err != nil {
		return err
	}
	var body struct {
		Instruction string `json:"instruction"`
	}
	if err := decodeJSON(req, &body); err != nil {
		return err
	}
	if err := middleware.ValidateText("instruction", body.Instruction, true); err != nil {
		return badRequest{msg: err.Error()}
	}

	s, err := r.findings.FollowUp(req.Context(), id, body.Instruction)
	if err != nil {
		return err
	}
	r.pipe(w, s)
	// let the finding absorb the outcome before the response completes
	_ = r.findings.WaitSettled(req.Context(), id)
	return nil
}

// POST /v1/{project}/findings/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := findingID(req)
	if err != nil {
		return err
	}
	cancelled, err := r.findings.Cancel(id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// pipe writes fragments as they arrive. The status line is already sent, so a
// failure is reported in-band after whatever text was delivered.
func (r *Router) pipe(w http.ResponseWriter, s *generation.Stream) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Stream-ID", s.ID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	writeFailed := false
	for frag := range s.Fragments() {
		if _, err := io.WriteString(w, frag); err != nil {
			// client gone; stop the model instead of draining into the void
			writeFailed = true
			s.Cancel()
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	res := s.Wait()
	if res.State == generation.StateErrored && !writeFailed {
		io.WriteString(w, "\n[ERROR] "+reason(res.Err))
		if flusher != nil {
			flusher.Flush()
		}
	}
	r.logger.Debug("stream response finished",
		zap.String("stream", s.ID),
		zap.String("state", string(res.State)),
		zap.Int("chars", len(res.Text)))
}

// reason is the short text appended to a failed stream.
func reason(err error) string {
	switch {
	case err == nil:
		return "generation failed"
	case errors.Is(err, domai.ErrQuotaExceeded):
		return "model quota exceeded"
	case errors.Is(err, domai.ErrTimeout):
		return "model timed out"
	case errors.Is(err, domai.ErrTransportUnavailable):
		return "model unavailable"
	case errors.Is(err, domai.ErrPayloadTooLarge):
		return "request too large for the model"
	}
	return err.Error()
}

// POST /v1/{project}/findings/{id}/save
// Body: {"record_id": "<optional, updates an existing record>"}
func (r *Router) handleSave(w http.ResponseWriter, req *http.Request) error {
	project := chi.URLParam(req, "project")
	id, err := findingID(req)
	if err != nil {
		return err
	}
	var body struct {
		RecordID string `json:"record_id"`
	}
	if err := decodeJSON(req, &body); err != nil {
		return err
	}
	var rid report.RecordID
	if body.RecordID != "" {
		if rid, err = recordID(body.RecordID); err != nil {
			return err
		}
	}

	f, err := r.findings.Get(id)
	if err != nil {
		return err
	}
	rec, err := r.reports.Save(req.Context(), project, f, rid)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, map[string]any{
		"id":           rec.ID,
		"title":        rec.Title,
		"filenames":    rec.Filenames,
		"artifact_url": rec.ArtifactURL,
		"created_at":   rec.CreatedAt,
		"updated_at":   rec.UpdatedAt,
	})
}

// GET /v1/{project}/reports?page=&page_size=
func (r *Router) handleListReports(w http.ResponseWriter, req *http.Request) error {
	project := chi.URLParam(req, "project")
	page, _ := strconv.Atoi(req.URL.Query().Get("page"))
	size, _ := strconv.Atoi(req.URL.Query().Get("page_size"))

	list, err := r.reports.List(req.Context(), project, middleware.ValidatePage(page), middleware.ValidateLimit(size))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/{project}/reports/{rid}
func (r *Router) handleGetReport(w http.ResponseWriter, req *http.Request) error {
	project := chi.URLParam(req, "project")
	rid, err := recordID(chi.URLParam(req, "rid"))
	if err != nil {
		return err
	}
	rec, err := r.reports.Get(req.Context(), project, rid)
	if err != nil {
		return err
	}
	if strings.Contains(req.Header.Get("Accept"), "text/markdown") {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, err = io.WriteString(w, rec.Markdown)
		return err
	}
	return writeJSON(w, http.StatusOK, rec)
}

// POST /v1/{project}/reports/{rid}/restore
func (r *Router) handleRestore(w http.ResponseWriter, req *http.Request) error {
	project := chi.URLParam(req, "project")
	rid, err := recordID(chi.URLParam(req, "rid"))
	if err != nil {
		return err
	}
	rec, err := r.reports.Get(req.Context(), project, rid)
	if err != nil {
		return err
	}
	f, err := r.findings.Restore(rec)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, f)
}

// POST /v1/{project}/combine
// Body: {"target": "...", "documents": ["..."], "record_ids": ["..."],
// "summary": true, "statistics": true}. Accept: text/markdown returns the
// rendered document, anything else the JSON report.
func (r *Router) handleCombine(w http.ResponseWriter, req *http.Request) error {
	project := chi.URLParam(req, "project")
	req.Body = http.MaxBytesReader(w, req.Body, r.maxCombine)
	var body struct {
		Target     string   `json:"target"`
		Documents  []string `json:"documents"`
		RecordIDs  []string `json:"record_ids"`
		Summary    bool     `json:"summary"`
		Statistics bool     `json:"statistics"`
	}
	if err := decodeJSON(req, &body); err != nil {
		return err
	}
	body.Target = middleware.SanitizeString(body.Target)
	if err := middleware.ValidateText("target", body.Target, true); err != nil {
		return badRequest{msg: err.Error()}
	}

	docs := make([]string, 0, len(body.RecordIDs)+len(body.Documents))
	for _, raw := range body.RecordIDs {
		rid, err := recordID(raw)
		if err != nil {
			return err
		}
		rec, err := r.reports.Get(req.Context(), project, rid)
		if err != nil {
			return err
		}
		docs = append(docs, rec.Markdown)
	}
	for _, d := range body.Documents {
		if strings.TrimSpace(d) != "" {
			docs = append(docs, d)
		}
	}
	if len(docs) == 0 {
		return badRequestf("documents or record_ids are required")
	}

	combined, err := r.assembler.Combine(req.Context(), body.Target, docs,
		assembler.Options{Summary: body.Summary, Statistics: body.Statistics})
	if err != nil {
		return err
	}
	middleware.RecordCombine(combined.Partial())

	if strings.Contains(req.Header.Get("Accept"), "text/markdown") {
		out, err := assembler.Render(combined)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, err = io.WriteString(w, out)
		return err
	}
	return writeJSON(w, http.StatusOK, combined)
}
