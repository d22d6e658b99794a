package workflow

import (
	"time"

	"internflow/internal/rbac"
)

type IntentKind string

const (
	IntentNotify           IntentKind = "notify"
	IntentGenerateDocument IntentKind = "generate_document"
	IntentStatusChanged    IntentKind = "status_changed"
)

const (
	TemplateApprovalLetter        = "approval_letter"
	TemplateSupervisorAppointment = "supervisor_appointment"
	TemplateCompletionCertificate = "completion_certificate"
)

// Intent describes a side effect to perform after the transition commits.
// Exactly one of the payload pointers is set, matching Kind.
type Intent struct {
	Kind     IntentKind       `json:"kind"`
	Notify   *Notification    `json:"notify,omitempty"`
	Document *DocumentRequest `json:"document,omitempty"`
	Status   *StatusChange    `json:"status,omitempty"`
}

// Notification targets either one user or every holder of a role.
type Notification struct {
	RequestID string    `json:"requestId"`
	UserID    string    `json:"userId,omitempty"`
	Role      rbac.Role `json:"role,omitempty"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ActionURL string    `json:"actionUrl"`
}

type DocumentRequest struct {
	RequestID  string         `json:"requestId"`
	TemplateID string         `json:"templateId"`
	Data       map[string]any `json:"data"`
}

type StatusChange struct {
	RequestID    string    `json:"requestId"`
	StudentID    string    `json:"studentId"`
	InternshipID string    `json:"internshipId"`
	From         Status    `json:"from,omitempty"`
	To           Status    `json:"to"`
	Action       Action    `json:"action"`
	ActorID      string    `json:"actorId"`
	Round        int       `json:"round"`
	At           time.Time `json:"at"`
}

func requestURL(requestID string) string {
	return "/requests/" + requestID
}

func notifyUser(req Request, userID, kind, title, message string) Intent {
	return Intent{Kind: IntentNotify, Notify: &Notification{
		RequestID: req.ID,
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Message:   message,
		ActionURL: requestURL(req.ID),
	}}
}

func notifyRole(req Request, role rbac.Role, kind, title, message string) Intent {
	return Intent{Kind: IntentNotify, Notify: &Notification{
		RequestID: req.ID,
		Role:      role,
		Type:      kind,
		Title:     title,
		Message:   message,
		ActionURL: requestURL(req.ID),
	}}
}

func generateDocument(req Request, templateID string, data map[string]any) Intent {
	payload := map[string]any{
		"requestId":    req.ID,
		"studentId":    req.StudentID,
		"internshipId": req.InternshipID,
		"projectTopic": req.ProjectTopic,
		"round":        req.Round,
	}
	for key, value := range data {
		payload[key] = value
	}
	return Intent{Kind: IntentGenerateDocument, Document: &DocumentRequest{
		RequestID:  req.ID,
		TemplateID: templateID,
		Data:       payload,
	}}
}

func statusChanged(from Status, req Request, action Action, actorID string, at time.Time) Intent {
	return Intent{Kind: IntentStatusChanged, Status: &StatusChange{
		RequestID:    req.ID,
		StudentID:    req.StudentID,
		InternshipID: req.InternshipID,
		From:         from,
		To:           req.Status,
		Action:       action,
		ActorID:      actorID,
		Round:        req.Round,
		At:           at,
	}}
}
