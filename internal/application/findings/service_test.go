package findings

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bryanwahyu/vulnreport/internal/application/generation"
	"github.com/bryanwahyu/vulnreport/internal/application/reports"
	"github.com/bryanwahyu/vulnreport/internal/config"
	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/imagecodec"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type sliceStream struct {
	ctx   context.Context
	frags []string
	end   error
	hold  bool
	i     int
}

func (s *sliceStream) Recv() (string, error) {
	if s.i < len(s.frags) {
		s.i++
		return s.frags[s.i-1], nil
	}
	if s.hold {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.end != nil {
		return "", s.end
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error { return nil }

type stubModel struct {
	mu   sync.Mutex
	reqs []ai.GenerationRequest
	next func(ctx context.Context) ai.FragmentStream
}

func (m *stubModel) Stream(ctx context.Context, req ai.GenerationRequest) (ai.FragmentStream, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	next := m.next
	m.mu.Unlock()
	return next(ctx), nil
}

func (m *stubModel) last() ai.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reqs[len(m.reqs)-1]
}

func answer(frags ...string) func(ctx context.Context) ai.FragmentStream {
	return func(ctx context.Context) ai.FragmentStream { return &sliceStream{ctx: ctx, frags: frags} }
}

type stubOCR struct {
	mu    sync.Mutex
	calls int
	text  map[int]string // by call number
	err   error
}

func (o *stubOCR) ExtractText(_ context.Context, _ ai.ImagePart) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return "", o.err
	}
	return o.text[o.calls], nil
}

func pngBytes(t *testing.T, w int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, 1))))
	return buf.Bytes()
}

func newService(t *testing.T, model *stubModel, ocr ai.OCR, logger *zap.Logger) *Service {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	orch := generation.New(model, config.GenerationConfig{InactivityTimeout: 2 * time.Second}, logger)
	return NewService(orch, ocr, imagecodec.New(1<<20), fixedClock{time.Unix(1700000000, 0)}, logger)
}

func waitSettled(t *testing.T, s *Service, id report.FindingID) *report.Finding {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitSettled(ctx, id))
	assert.True(t, s.Settled(id))
	f, err := s.Get(id)
	require.NoError(t, err)
	return f
}

func TestGenerate_CompletedSetsDocument(t *testing.T) {
	model := &stubModel{next: answer("# Find", "ing\n", "Desc...")}
	s := newService(t, model, nil, nil)

	f := s.Create("SQL injection", "SQLi on /login")
	_, err := s.AddScreenshot(f.ID, "login.png", pngBytes(t, 1), "image/png")
	require.NoError(t, err)
	_, err = s.AddScreenshot(f.ID, "dump.png", pngBytes(t, 2), "")
	require.NoError(t, err)

	stream, err := s.Generate(context.Background(), f.ID, report.KindReport, false)
	require.NoError(t, err)
	r := generation.Collect(stream)
	require.Equal(t, generation.StateCompleted, r.State)

	got := waitSettled(t, s, f.ID)
	assert.Equal(t, "# Finding\nDesc...", got.GeneratedDocument)
	assert.True(t, got.HasDocument)
	assert.Equal(t, report.StatusComplete, got.Status)
	require.Len(t, got.History, 2)
	assert.Equal(t, ai.RoleAssistant, got.History[1].Role)

	req := model.last()
	assert.Len(t, req.Images, 2)
	assert.Contains(t, req.Prompt, "SQLi on /login")
	assert.Less(t, strings.Index(req.Prompt, "screenshot1.png"), strings.Index(req.Prompt, "screenshot2.png"))
}

func TestGenerate_OCRLateFusion(t *testing.T) {
	model := &stubModel{next: answer("ok")}
	ocr := &stubOCR{text: map[int]string{2: "ERROR 500"}}
	s := newService(t, model, ocr, nil)

	f := s.Create("t", "n")
	_, err := s.AddScreenshot(f.ID, "", pngBytes(t, 1), "")
	require.NoError(t, err)
	second, err := s.AddScreenshot(f.ID, "", pngBytes(t, 2), "")
	require.NoError(t, err)

	stream, err := s.Generate(context.Background(), f.ID, report.KindReport, true)
	require.NoError(t, err)
	generation.Collect(stream)
	got := waitSettled(t, s, f.ID)

	prompt := model.last().Prompt
	ocrAt := strings.Index(prompt, "ERROR 500")
	require.GreaterOrEqual(t, ocrAt, 0)
	assert.Greater(t, ocrAt, strings.Index(prompt, "![Screenshot 1]"))
	assert.Less(t, ocrAt, strings.Index(prompt, "![Screenshot 2]"))

	shot, err := got.Screenshot(second.ID)
	require.NoError(t, err)
	assert.True(t, shot.HasOCR)

	// attached text is reused, not re-extracted
	stream, err = s.Generate(context.Background(), f.ID, report.KindReport, true)
	require.NoError(t, err)
	generation.Collect(stream)
	waitSettled(t, s, f.ID)
	assert.Equal(t, 2, ocr.calls)
}

func TestGenerate_OCRUnavailableStillGenerates(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	model := &stubModel{next: answer("draft")}
	s := newService(t, model, &stubOCR{err: ai.ErrTransportUnavailable}, zap.New(core))

	f := s.Create("t", "n")
	_, err := s.AddScreenshot(f.ID, "", pngBytes(t, 1), "")
	require.NoError(t, err)

	stream, err := s.Generate(context.Background(), f.ID, report.KindReport, true)
	require.NoError(t, err)
	r := generation.Collect(stream)

	assert.Equal(t, generation.StateCompleted, r.State)
	assert.Equal(t, 1, logs.FilterMessageSnippet("ocr unavailable").Len())
	assert.NotContains(t, model.last().Prompt, "OCR text")
}

func TestGenerate_ErroredKeepsPreviousDocument(t *testing.T) {
	model := &stubModel{next: answer("v1")}
	s := newService(t, model, nil, nil)
	f := s.Create("t", "n")

	stream, err := s.Generate(context.Background(), f.ID, report.KindReport, false)
	require.NoError(t, err)
	generation.Collect(stream)
	waitSettled(t, s, f.ID)

	model.mu.Lock()
	model.next = func(ctx context.Context) ai.FragmentStream {
		return &sliceStream{ctx: ctx, frags: []string{"half"}, end: ai.ErrQuotaExceeded}
	}
	model.mu.Unlock()

	stream, err = s.Generate(context.Background(), f.ID, report.KindReport, false)
	require.NoError(t, err)
	r := generation.Collect(stream)
	assert.Equal(t, "half", r.Text)

	got := waitSettled(t, s, f.ID)
	assert.Equal(t, report.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "quota")
	assert.Equal(t, "v1", got.GeneratedDocument)
}

func TestCancel_RevertsStatus(t *testing.T) {
	model := &stubModel{next: func(ctx context.Context) ai.FragmentStream {
		return &sliceStream{ctx: ctx, frags: []string{"x"}, hold: true}
	}}
	s := newService(t, model, nil, nil)
	f := s.Create("t", "n")

	stream, err := s.Generate(context.Background(), f.ID, report.KindKillChain, false)
	require.NoError(t, err)
	<-stream.Fragments()

	got, err := s.Get(f.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusGenerating, got.Status)

	ok, err := s.Cancel(f.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got = waitSettled(t, s, f.ID)
	assert.Equal(t, report.StatusDraft, got.Status)
	assert.False(t, got.HasDocument)

	_, err = s.Cancel("missing")
	assert.ErrorIs(t, err, report.ErrNotFound)
}

func TestFollowUp(t *testing.T) {
	model := &stubModel{next: answer("v1")}
	s := newService(t, model, nil, nil)
	f := s.Create("t", "n")

	_, err := s.FollowUp(context.Background(), f.ID, "shorter")
	assert.ErrorIs(t, err, ErrNoDocument)

	stream, err := s.Generate(context.Background(), f.ID, report.KindReport, false)
	require.NoError(t, err)
	generation.Collect(stream)
	waitSettled(t, s, f.ID)

	model.mu.Lock()
	model.next = answer("v2")
	model.mu.Unlock()

	stream, err = s.FollowUp(context.Background(), f.ID, "shorter")
	require.NoError(t, err)
	generation.Collect(stream)
	got := waitSettled(t, s, f.ID)

	assert.Equal(t, "v2", got.GeneratedDocument)
	require.Len(t, got.History, 4)
	assert.True(t, strings.HasPrefix(got.History[2].Text, "shorter\n\n---\n\n"))
	assert.True(t, strings.HasSuffix(got.History[2].Text, "v1"))

	req := model.last()
	require.Len(t, req.PriorTurns, 3)
	assert.Equal(t, "v1", req.PriorTurns[1].Text)
}

func TestScreenshotEditing(t *testing.T) {
	s := newService(t, &stubModel{next: answer()}, nil, nil)
	f := s.Create("t", "")

	a, err := s.AddScreenshot(f.ID, "", pngBytes(t, 1), "")
	require.NoError(t, err)
	b, err := s.AddScreenshot(f.ID, "", pngBytes(t, 2), "")
	require.NoError(t, err)

	_, err = s.AddScreenshot(f.ID, "", []byte("not an image"), "")
	assert.ErrorIs(t, err, ai.ErrUnrecognizedFormat)

	got, err := s.Reorder(f.ID, []string{b.ID, a.ID})
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.Ordered()[0].ID)

	got, err = s.RemoveScreenshot(f.ID, b.ID)
	require.NoError(t, err)
	require.Len(t, got.Images, 1)
	assert.Equal(t, 0, got.Images[0].Position)

	got, err = s.UpdateDraft(f.ID, "", "new notes")
	require.NoError(t, err)
	assert.Equal(t, "t", got.Title)
	assert.Equal(t, "new notes", got.Notes)

	// snapshots do not alias workspace state
	got.Images[0].Position = 99
	again, err := s.Get(f.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Images[0].Position)
}

func TestReorderAfterDraftKeepsCaptionsOnTheirImages(t *testing.T) {
	draft := "Login page ![a](screenshot1.png)\nError page ![b](screenshot2.png)"
	s := newService(t, &stubModel{next: answer(draft)}, nil, nil)
	f := s.Create("t", "")
	login, err := s.AddScreenshot(f.ID, "login.png", pngBytes(t, 1), "")
	require.NoError(t, err)
	errPage, err := s.AddScreenshot(f.ID, "error.png", pngBytes(t, 2), "")
	require.NoError(t, err)

	stream, err := s.Generate(context.Background(), f.ID, report.KindReport, false)
	require.NoError(t, err)
	generation.Collect(stream)
	waitSettled(t, s, f.ID)

	got, err := s.Reorder(f.ID, []string{errPage.ID, login.ID})
	require.NoError(t, err)
	assert.Equal(t, "Login page ![a](screenshot2.png)\nError page ![b](screenshot1.png)", got.GeneratedDocument)
	assert.Equal(t, got.GeneratedDocument, got.History[len(got.History)-1].Text)
	assert.Contains(t, got.History[0].Text, "![Screenshot 1](screenshot2.png)")

	codec := imagecodec.New(1 << 20)
	loginURI, err := codec.Encode(pngBytes(t, 1), "")
	require.NoError(t, err)
	errURI, err := codec.Encode(pngBytes(t, 2), "")
	require.NoError(t, err)

	rec, err := reports.NewMapper(codec).ToRecord(got, "acme", time.Now())
	require.NoError(t, err)
	assert.Contains(t, rec.Markdown, "Login page ![a]("+loginURI+")")
	assert.Contains(t, rec.Markdown, "Error page ![b]("+errURI+")")
	assert.Equal(t, []string{errURI, loginURI}, rec.Images)

	got, err = s.RemoveScreenshot(f.ID, errPage.ID)
	require.NoError(t, err)
	assert.Equal(t, "Login page ![a](screenshot1.png)\nError page ", got.GeneratedDocument)
}

func TestAttachOCR(t *testing.T) {
	ocr := &stubOCR{text: map[int]string{1: "first", 2: "second"}}
	s := newService(t, &stubModel{next: answer()}, ocr, nil)
	f := s.Create("t", "")
	shot, err := s.AddScreenshot(f.ID, "", pngBytes(t, 1), "")
	require.NoError(t, err)

	text, err := s.AttachOCR(context.Background(), f.ID, shot.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "first", text)

	text, err = s.AttachOCR(context.Background(), f.ID, shot.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "first", text)

	text, err = s.AttachOCR(context.Background(), f.ID, shot.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "second", text)

	_, err = s.AttachOCR(context.Background(), f.ID, "nope", false)
	assert.ErrorIs(t, err, report.ErrNotFound)

	disabled := newService(t, &stubModel{next: answer()}, nil, nil)
	_, err = disabled.AttachOCR(context.Background(), f.ID, shot.ID, false)
	assert.ErrorIs(t, err, ErrOCRDisabled)
}

func TestRestore(t *testing.T) {
	s := newService(t, &stubModel{next: answer()}, nil, nil)
	codec := imagecodec.New(0)
	uri, err := codec.Encode(pngBytes(t, 3), "")
	require.NoError(t, err)

	f, err := s.Restore(&report.Record{
		Title:       "Saved",
		Images:      []string{uri},
		Filenames:   []string{"screenshot1.png"},
		RawMarkdown: "# Saved\n![a](screenshot1.png)",
		History:     []ai.Turn{{Role: ai.RoleUser, Text: "u"}, {Role: ai.RoleAssistant, Text: "a"}},
	})
	require.NoError(t, err)

	assert.Equal(t, report.StatusComplete, f.Status)
	assert.True(t, f.HasDocument)
	require.Len(t, f.Images, 1)
	assert.Equal(t, "image/png", f.Images[0].MimeType)
	assert.Len(t, f.History, 2)

	_, err = s.Restore(&report.Record{Images: []string{"data:image/png;base64,!!"}})
	assert.ErrorIs(t, err, ai.ErrUnrecognizedFormat)
}
