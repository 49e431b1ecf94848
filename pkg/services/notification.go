package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/models"
	"github.com/covality-inc/covality-engine/pkg/repositories"
)

// NotificationService writes persisted user notifications.
type NotificationService interface {
	Notify(ctx context.Context, orgID, userID uuid.UUID, eventType, title, body, linkPath string) error
	ListForUser(ctx context.Context, orgID, userID uuid.UUID) ([]*models.Notification, error)
}

type notificationService struct {
	repo   repositories.NotificationRepository
	logger *zap.Logger
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(repo repositories.NotificationRepository, logger *zap.Logger) NotificationService {
	return &notificationService{
		repo:   repo,
		logger: logger.Named("notifications"),
	}
}

var _ NotificationService = (*notificationService)(nil)

func (s *notificationService) Notify(ctx context.Context, orgID, userID uuid.UUID, eventType, title, body, linkPath string) error {
	n := &models.Notification{
		OrgID:     orgID,
		UserID:    userID,
		EventType: eventType,
		Title:     title,
		Body:      body,
		LinkPath:  linkPath,
	}
	if err := s.repo.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to notify user %s: %w", userID, err)
	}
	s.logger.Debug("Notification created",
		zap.String("event_type", eventType),
		zap.String("user_id", userID.String()))
	return nil
}

func (s *notificationService) ListForUser(ctx context.Context, orgID, userID uuid.UUID) ([]*models.Notification, error) {
	return s.repo.ListByUser(ctx, orgID, userID)
}
