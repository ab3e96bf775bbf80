package db

import (
	"context"
	"fmt"
)

func (s *sqliteStore) AppendNotification(ctx context.Context, rec *NotificationRecord) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO notification_log(kind, tenant_id, channel, status, error, payload, created_at)
        VALUES(?,?,?,?,?,?,?)
    `, rec.Kind, rec.TenantID, rec.Channel, rec.Status, rec.Error, rec.Payload, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) QueryNotifications(ctx context.Context, tenantID string, limit int) ([]*NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, kind, tenant_id, channel, status, error, payload, created_at
        FROM notification_log
        WHERE tenant_id = ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?
    `, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var recs []*NotificationRecord
	for rows.Next() {
		var rec NotificationRecord
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.TenantID, &rec.Channel,
			&rec.Status, &rec.Error, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
