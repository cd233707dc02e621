// Copyright 2025 The Analyst Copilot Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SecurityEvent records a notable security occurrence alongside the audit
// chain (violations, auth failures, traversal attempts).
type SecurityEvent struct {
	ID        string
	EventType string
	UserID    string
	Severity  string
	Details   map[string]any
	IPAddress string
	CreatedAt time.Time
}

// RecordSecurityEvent inserts one event.
func (s *Store) RecordSecurityEvent(ctx context.Context, ev *SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	details, err := marshalJSON(ev.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO security_events (id, event_type, user_id, severity, details, ip_address, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.EventType, nullable(ev.UserID), ev.Severity, details,
		nullable(ev.IPAddress), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

// ListSecurityEvents returns recent events, newest first.
func (s *Store) ListSecurityEvents(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, event_type, user_id, severity, details, ip_address, created_at
		 FROM security_events ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		var userID, details, ip sql.NullString
		if err := rows.Scan(&ev.ID, &ev.EventType, &userID, &ev.Severity,
			&details, &ip, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		ev.UserID = userID.String
		ev.IPAddress = ip.String
		ev.Details = unmarshalMap(details)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// RecordPIIDetections aggregates detected entity counts for a job.
func (s *Store) RecordPIIDetections(ctx context.Context, jobID string, counts map[string]int) error {
	for entityType, n := range counts {
		if n == 0 {
			continue
		}
		_, err := s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO pii_detections (id, job_id, entity_type, match_count, created_at)
			 VALUES (?, ?, ?, ?, ?)`),
			uuid.NewString(), jobID, entityType, n, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record pii detection: %w", err)
		}
	}
	return nil
}
