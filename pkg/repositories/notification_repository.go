package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/covality-inc/covality-engine/pkg/database"
	"github.com/covality-inc/covality-engine/pkg/models"
)

// NotificationRepository provides data access for persisted user notifications.
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
	ListByUser(ctx context.Context, orgID, userID uuid.UUID) ([]*models.Notification, error)
}

type notificationRepository struct{}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository() NotificationRepository {
	return &notificationRepository{}
}

var _ NotificationRepository = (*notificationRepository)(nil)

func (r *notificationRepository) Create(ctx context.Context, n *models.Notification) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()

	query := `
		INSERT INTO notifications (id, organization_id, user_id, event_type, title, body, link_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := scope.Conn.Exec(ctx, query,
		n.ID, n.OrgID, n.UserID, n.EventType, n.Title, n.Body, n.LinkPath, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) ListByUser(ctx context.Context, orgID, userID uuid.UUID) ([]*models.Notification, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, organization_id, user_id, event_type, title, body, link_path, read_at, created_at
		FROM notifications
		WHERE organization_id = $1 AND user_id = $2
		ORDER BY created_at DESC`

	rows, err := scope.Conn.Query(ctx, query, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.OrgID, &n.UserID, &n.EventType, &n.Title, &n.Body,
			&n.LinkPath, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}
	return notifications, rows.Err()
}
