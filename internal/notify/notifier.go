// Package notify turns notify intents into inbox rows and emails.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"internflow/internal/dispatch"
	"internflow/internal/email"
	"internflow/internal/rbac"
	"internflow/internal/store"
	"internflow/internal/util"
	"internflow/internal/workflow"
)

type Directory interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	UsersWithRole(ctx context.Context, role rbac.Role) ([]store.User, error)
}

type Inbox interface {
	HasNotification(ctx context.Context, id string) (bool, error)
	InsertNotification(ctx context.Context, n store.Notification) (bool, error)
}

// Notifier delivers one notify job. The inbox row id is derived from the job
// id and recipient, so a redelivered job skips recipients already served.
type Notifier struct {
	directory Directory
	inbox     Inbox
	sender    email.Sender
	baseURL   string
	logger    *zap.Logger
}

// New builds a Notifier. sender may be nil when email is disabled.
func New(directory Directory, inbox Inbox, sender email.Sender, baseURL string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		directory: directory,
		inbox:     inbox,
		sender:    sender,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger,
	}
}

func (n *Notifier) Handle(ctx context.Context, job dispatch.Job) error {
	payload := job.Intent.Notify
	if payload == nil {
		return dispatch.Permanent(errors.New("notify job without payload"))
	}

	recipients, err := n.recipients(ctx, *payload)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		n.logger.Warn("notification has no recipients",
			zap.String("request_id", payload.RequestID),
			zap.String("role", string(payload.Role)),
			zap.String("type", payload.Type),
		)
		return nil
	}

	for _, user := range recipients {
		if err := n.deliver(ctx, job.ID, *payload, user); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) recipients(ctx context.Context, payload workflow.Notification) ([]store.User, error) {
	if payload.UserID != "" {
		user, err := n.directory.GetUserByID(ctx, payload.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dispatch.Permanent(fmt.Errorf("recipient %s is not in the directory", payload.UserID))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: load recipient: %v", workflow.ErrDownstreamUnavailable, err)
		}
		return []store.User{user}, nil
	}
	if payload.Role == "" {
		return nil, dispatch.Permanent(errors.New("notification names neither a user nor a role"))
	}
	users, err := n.directory.UsersWithRole(ctx, payload.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s recipients: %v", workflow.ErrDownstreamUnavailable, payload.Role, err)
	}
	return users, nil
}

func (n *Notifier) deliver(ctx context.Context, jobID string, payload workflow.Notification, user store.User) error {
	id := util.StableID("ntf", jobID, user.ID)
	delivered, err := n.inbox.HasNotification(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrDownstreamUnavailable, err)
	}
	if delivered {
		return nil
	}

	actionURL := payload.ActionURL
	if strings.HasPrefix(actionURL, "/") {
		actionURL = n.baseURL + actionURL
	}

	if n.sender != nil && user.Email != "" {
		msg, err := email.RenderNotification(user.Email, email.NotificationData{
			UserName:  user.DisplayName,
			Title:     payload.Title,
			Message:   payload.Message,
			ActionURL: actionURL,
		})
		if err != nil {
			return dispatch.Permanent(err)
		}
		switch err := n.sender.Send(ctx, msg); {
		case errors.Is(err, email.ErrNotConfigured):
		case err != nil:
			return fmt.Errorf("%w: email %s: %v", workflow.ErrDownstreamUnavailable, user.ID, err)
		}
	}

	if _, err := n.inbox.InsertNotification(ctx, store.Notification{
		ID:        id,
		UserID:    user.ID,
		RequestID: payload.RequestID,
		Type:      payload.Type,
		Title:     payload.Title,
		Message:   payload.Message,
		ActionURL: payload.ActionURL,
	}); err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrDownstreamUnavailable, err)
	}
	n.logger.Debug("notification delivered",
		zap.String("user_id", user.ID),
		zap.String("request_id", payload.RequestID),
		zap.String("type", payload.Type),
	)
	return nil
}
