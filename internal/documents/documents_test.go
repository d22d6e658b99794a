package documents

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"internflow/internal/dispatch"
	"internflow/internal/store"
	"internflow/internal/workflow"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Placement Approval Letter", "Placement-Approval-Letter"},
		{"Certificate v1.2", "Certificate-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "document"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderHTMLTemplates(t *testing.T) {
	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	html, err := RenderHTML(workflow.TemplateApprovalLetter, TemplateData{
		StudentName:  "Ada <Lovelace>",
		InternshipID: "INT-7",
		Round:        1,
		IssuedAt:     issued,
		Data:         map[string]any{"requestId": "REQ-1", "approvals": 2, "rosterSize": 3},
	})
	require.NoError(t, err)
	assert.Contains(t, html, "Placement Approval Letter")
	assert.Contains(t, html, "Ada &lt;Lovelace&gt;")
	assert.Contains(t, html, "2 of 3")
	assert.Contains(t, html, "March 1, 2026")

	_, err = RenderHTML("unknown", TemplateData{})
	assert.ErrorIs(t, err, ErrUnknownTemplate)

	for _, id := range []string{workflow.TemplateSupervisorAppointment, workflow.TemplateCompletionCertificate} {
		_, err := RenderHTML(id, TemplateData{})
		assert.NoError(t, err, id)
	}
}

func TestLocalStorePut(t *testing.T) {
	dir := t.TempDir()
	objects := NewLocalStore(dir, "http://localhost:8787/")

	url, err := objects.Put(context.Background(), "requests/REQ-1/round-1/approval_letter.pdf", []byte("%PDF"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8787/documents/requests/REQ-1/round-1/approval_letter.pdf", url)

	data, err := os.ReadFile(filepath.Join(dir, "requests", "REQ-1", "round-1", "approval_letter.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))

	_, err = objects.Put(context.Background(), "../../escape.pdf", []byte("x"), "application/pdf")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "escape.pdf"))
	assert.NoError(t, err, "keys are confined to the documents directory")
}

type fakeRenderer struct {
	html string
	err  error
}

func (r *fakeRenderer) RenderPDF(_ context.Context, html, title string) (*Result, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.html = html
	return &Result{Data: []byte("%PDF-" + title), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
}

type memoryObjects struct {
	objects map[string][]byte
}

func (m *memoryObjects) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return "mem://" + key, nil
}

type fakeRegistry struct {
	requests map[string]workflow.Request
	docs     []store.GeneratedDocument
}

func (r *fakeRegistry) GetRequest(_ context.Context, id string) (workflow.Request, error) {
	req, ok := r.requests[id]
	if !ok {
		return workflow.Request{}, workflow.NotFound("placement request not found")
	}
	return req, nil
}

func (r *fakeRegistry) UpsertGeneratedDocument(_ context.Context, doc store.GeneratedDocument) error {
	r.docs = append(r.docs, doc)
	return nil
}

type fakeDirectory map[string]store.User

func (d fakeDirectory) UsersByIDs(_ context.Context, ids []string) (map[string]store.User, error) {
	out := map[string]store.User{}
	for _, id := range ids {
		if user, ok := d[id]; ok {
			out[id] = user
		}
	}
	return out, nil
}

func documentJob(templateID string, data map[string]any) dispatch.Job {
	return dispatch.Job{ID: "job-1", Intent: workflow.Intent{
		Kind:     workflow.IntentGenerateDocument,
		Document: &workflow.DocumentRequest{RequestID: "REQ-1", TemplateID: templateID, Data: data},
	}}
}

func newTestGenerator(t *testing.T, renderer Renderer) (*Generator, *fakeRegistry, *memoryObjects) {
	t.Helper()
	registry := &fakeRegistry{requests: map[string]workflow.Request{
		"REQ-1": {ID: "REQ-1", StudentID: "STU-1", InternshipID: "INT-7", ProjectTopic: "Robotics", Round: 2, SupervisorID: "SUP-1"},
	}}
	objects := &memoryObjects{}
	directory := fakeDirectory{
		"STU-1": {ID: "STU-1", DisplayName: "Ada Lovelace"},
		"SUP-1": {ID: "SUP-1", DisplayName: "Dr. Grace Hopper"},
	}
	return NewGenerator(directory, registry, renderer, objects, zaptest.NewLogger(t)), registry, objects
}

func TestGeneratorStoresAndRecordsDocument(t *testing.T) {
	renderer := &fakeRenderer{}
	gen, registry, objects := newTestGenerator(t, renderer)

	err := gen.Handle(context.Background(), documentJob(workflow.TemplateSupervisorAppointment, map[string]any{
		"round":        float64(2),
		"supervisorId": "SUP-1",
	}))
	require.NoError(t, err)

	key := "requests/REQ-1/round-2/supervisor_appointment.pdf"
	assert.Contains(t, objects.objects, key)
	assert.Contains(t, renderer.html, "Dr. Grace Hopper")
	assert.Contains(t, renderer.html, "Ada Lovelace")

	require.Len(t, registry.docs, 1)
	doc := registry.docs[0]
	assert.Equal(t, 2, doc.Round)
	assert.Equal(t, "mem://"+key, doc.URL)
	assert.True(t, strings.HasPrefix(doc.ID, "doc_"))

	require.NoError(t, gen.Handle(context.Background(), documentJob(workflow.TemplateSupervisorAppointment, map[string]any{"round": float64(2)})))
	assert.Equal(t, registry.docs[0].ID, registry.docs[1].ID, "regenerating the same letter targets the same row")
}

func TestGeneratorPermanentFailures(t *testing.T) {
	gen, _, _ := newTestGenerator(t, &fakeRenderer{})

	err := gen.Handle(context.Background(), documentJob("unknown", nil))
	assert.True(t, dispatch.IsPermanent(err))

	job := documentJob(workflow.TemplateApprovalLetter, nil)
	job.Intent.Document.RequestID = "REQ-404"
	err = gen.Handle(context.Background(), job)
	assert.True(t, dispatch.IsPermanent(err))

	gen, _, _ = newTestGenerator(t, &fakeRenderer{err: ErrPDFDependencyMissing})
	err = gen.Handle(context.Background(), documentJob(workflow.TemplateApprovalLetter, nil))
	assert.True(t, dispatch.IsPermanent(err))
}

func TestGeneratorRendererOutageIsRetried(t *testing.T) {
	gen, registry, _ := newTestGenerator(t, &fakeRenderer{err: errors.New("chrome crashed")})
	err := gen.Handle(context.Background(), documentJob(workflow.TemplateCompletionCertificate, map[string]any{"score": float64(91)}))
	require.Error(t, err)
	assert.False(t, dispatch.IsPermanent(err))
	assert.ErrorIs(t, err, workflow.ErrDownstreamUnavailable)
	assert.Empty(t, registry.docs)
}
