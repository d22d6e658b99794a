package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"internflow/internal/dispatch"
	"internflow/internal/store"
	"internflow/internal/util"
	"internflow/internal/workflow"
)

// Directory resolves display names for the people a letter mentions.
type Directory interface {
	UsersByIDs(ctx context.Context, ids []string) (map[string]store.User, error)
}

// Registry records generated files against their request.
type Registry interface {
	GetRequest(ctx context.Context, requestID string) (workflow.Request, error)
	UpsertGeneratedDocument(ctx context.Context, doc store.GeneratedDocument) error
}

// Generator handles generate_document jobs.
type Generator struct {
	directory Directory
	registry  Registry
	renderer  Renderer
	objects   ObjectStore
	logger    *zap.Logger
	now       func() time.Time
}

func NewGenerator(directory Directory, registry Registry, renderer Renderer, objects ObjectStore, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		directory: directory,
		registry:  registry,
		renderer:  renderer,
		objects:   objects,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (g *Generator) Handle(ctx context.Context, job dispatch.Job) error {
	payload := job.Intent.Document
	if payload == nil {
		return dispatch.Permanent(errors.New("document job without payload"))
	}
	title, ok := TitleFor(payload.TemplateID)
	if !ok {
		return dispatch.Permanent(fmt.Errorf("%w: %s", ErrUnknownTemplate, payload.TemplateID))
	}

	req, err := g.registry.GetRequest(ctx, payload.RequestID)
	if errors.Is(err, workflow.ErrNotFound) {
		return dispatch.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("%w: load request: %v", workflow.ErrDownstreamUnavailable, err)
	}

	data, err := g.templateData(ctx, req, payload.Data)
	if err != nil {
		return err
	}
	data.Title = title

	html, err := RenderHTML(payload.TemplateID, data)
	if err != nil {
		return dispatch.Permanent(err)
	}
	pdf, err := g.renderer.RenderPDF(ctx, html, title)
	if errors.Is(err, ErrPDFDependencyMissing) {
		return dispatch.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrDownstreamUnavailable, err)
	}

	round := roundOf(payload.Data, req.Round)
	key := fmt.Sprintf("requests/%s/round-%d/%s.pdf", req.ID, round, payload.TemplateID)
	url, err := g.objects.Put(ctx, key, pdf.Data, pdf.MimeType)
	if err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrDownstreamUnavailable, err)
	}

	doc := store.GeneratedDocument{
		ID:         util.StableID("doc", req.ID, payload.TemplateID, fmt.Sprint(round)),
		RequestID:  req.ID,
		TemplateID: payload.TemplateID,
		Round:      round,
		ObjectKey:  key,
		URL:        url,
	}
	if err := g.registry.UpsertGeneratedDocument(ctx, doc); err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrDownstreamUnavailable, err)
	}
	g.logger.Info("document generated",
		zap.String("request_id", req.ID),
		zap.String("template", payload.TemplateID),
		zap.String("object_key", key),
	)
	return nil
}

func (g *Generator) templateData(ctx context.Context, req workflow.Request, extra map[string]any) (TemplateData, error) {
	supervisorID := stringValue(extra, "supervisorId", req.SupervisorID)
	evaluatorID := stringValue(extra, "evaluatorId", "")

	ids := []string{req.StudentID}
	for _, id := range []string{supervisorID, evaluatorID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	users, err := g.directory.UsersByIDs(ctx, ids)
	if err != nil {
		return TemplateData{}, fmt.Errorf("%w: load directory: %v", workflow.ErrDownstreamUnavailable, err)
	}

	data := map[string]any{"requestId": req.ID}
	for key, value := range extra {
		data[key] = value
	}
	return TemplateData{
		StudentName:    displayName(users, req.StudentID),
		InternshipID:   req.InternshipID,
		ProjectTopic:   req.ProjectTopic,
		Round:          roundOf(extra, req.Round),
		SupervisorName: displayName(users, supervisorID),
		EvaluatorName:  displayName(users, evaluatorID),
		IssuedAt:       g.now(),
		Data:           data,
	}, nil
}

func displayName(users map[string]store.User, id string) string {
	if user, ok := users[id]; ok && user.DisplayName != "" {
		return user.DisplayName
	}
	return id
}

func stringValue(data map[string]any, key, fallback string) string {
	if value, ok := data[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

// roundOf reads the round the intent was raised in; JSON numbers decode as float64.
func roundOf(data map[string]any, fallback int) int {
	switch v := data["round"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}
