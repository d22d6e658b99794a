package documents

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"internflow/internal/workflow"
)

// TemplateData is what every letter template renders from.
type TemplateData struct {
	Title          string
	StudentName    string
	InternshipID   string
	ProjectTopic   string
	Round          int
	SupervisorName string
	EvaluatorName  string
	IssuedAt       time.Time
	Data           map[string]any
}

var funcMap = template.FuncMap{
	"upper": strings.ToUpper,
	"formatDate": func(t time.Time) string {
		return t.Format("January 2, 2006")
	},
}

const layoutHead = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 720px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; font-size: 1.6em; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .signature { margin-top: 4rem; border-top: 1px solid #999; width: 240px; padding-top: 0.25rem; }
    table { border-collapse: collapse; margin: 1rem 0; }
    td { padding: 0.25rem 1rem 0.25rem 0; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">Reference {{index .Data "requestId"}} · round {{.Round}} · issued {{formatDate .IssuedAt}}</div>
`

const layoutFoot = `
  <div class="signature">Internship Office</div>
</body>
</html>`

var templates = map[string]*template.Template{
	workflow.TemplateApprovalLetter: mustTemplate(workflow.TemplateApprovalLetter, `
  <p>Dear {{.StudentName}},</p>
  <p>We are pleased to confirm that the placement committee has approved your internship placement request.</p>
  <table>
    <tr><td>Internship</td><td>{{.InternshipID}}</td></tr>
    {{if .ProjectTopic}}<tr><td>Project topic</td><td>{{.ProjectTopic}}</td></tr>{{end}}
    <tr><td>Committee approvals</td><td>{{index .Data "approvals"}} of {{index .Data "rosterSize"}}</td></tr>
  </table>
  <p>A supervising instructor will be appointed shortly.</p>`),

	workflow.TemplateSupervisorAppointment: mustTemplate(workflow.TemplateSupervisorAppointment, `
  <p>This letter confirms the appointment of <strong>{{.SupervisorName}}</strong> as supervising instructor
  for the internship placement of {{.StudentName}}.</p>
  <table>
    <tr><td>Internship</td><td>{{.InternshipID}}</td></tr>
    {{if .ProjectTopic}}<tr><td>Project topic</td><td>{{.ProjectTopic}}</td></tr>{{end}}
  </table>
  <p>The supervisor is responsible for weekly report review and the final evaluation.</p>`),

	workflow.TemplateCompletionCertificate: mustTemplate(workflow.TemplateCompletionCertificate, `
  <p>This certifies that <strong>{{.StudentName}}</strong> has completed the internship placement
  {{.InternshipID}}{{if .ProjectTopic}} on "{{.ProjectTopic}}"{{end}}.</p>
  <table>
    <tr><td>Final evaluation</td><td>{{index .Data "score"}} / 100</td></tr>
    <tr><td>Evaluated by</td><td>{{.EvaluatorName}}</td></tr>
  </table>`),
}

var titles = map[string]string{
	workflow.TemplateApprovalLetter:        "Placement Approval Letter",
	workflow.TemplateSupervisorAppointment: "Supervisor Appointment Letter",
	workflow.TemplateCompletionCertificate: "Certificate of Completion",
}

func mustTemplate(name, body string) *template.Template {
	return template.Must(template.New(name).Funcs(funcMap).Parse(layoutHead + body + layoutFoot))
}

// TitleFor returns the display title of a template id.
func TitleFor(templateID string) (string, bool) {
	title, ok := titles[templateID]
	return title, ok
}

// RenderHTML renders the named template.
func RenderHTML(templateID string, data TemplateData) (string, error) {
	tmpl, ok := templates[templateID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}
	if data.Title == "" {
		data.Title = titles[templateID]
	}
	if data.Data == nil {
		data.Data = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", templateID, err)
	}
	return buf.String(), nil
}
