package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/CourseBot/internal/models"
)

const (
	messageColumns = `id, sender_id, to_id, message_body, direction, template_id, timestamp`
	alertColumns   = `id, student_phone, message_id, alert_type, description, is_resolved, timestamp`
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func prepareMessage(m models.Message) (models.Message, error) {
	if !m.Direction.IsValid() {
		return m, fmt.Errorf("invalid message direction %q", m.Direction)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	} else {
		m.Timestamp = m.Timestamp.UTC()
	}
	return m, nil
}

func prepareAlert(a models.DashboardAlert) models.DashboardAlert {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	} else {
		a.Timestamp = a.Timestamp.UTC()
	}
	return a
}

// scanMessage scans a Message selected with messageColumns.
func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var toID, templateID sql.NullString
	var direction string
	if err := row.Scan(&m.ID, &m.SenderID, &toID, &m.Body, &direction, &templateID, &m.Timestamp); err != nil {
		return m, err
	}
	m.ToID = toID.String
	m.TemplateID = templateID.String
	m.Direction = models.Direction(direction)
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}

// scanAlert scans a DashboardAlert selected with alertColumns.
func scanAlert(row rowScanner) (models.DashboardAlert, error) {
	var a models.DashboardAlert
	var messageID sql.NullInt64
	if err := row.Scan(&a.ID, &a.StudentPhone, &messageID, &a.AlertType, &a.Description, &a.IsResolved, &a.Timestamp); err != nil {
		return a, err
	}
	if messageID.Valid {
		id := messageID.Int64
		a.MessageID = &id
	}
	return a, nil
}

func collectAlerts(rows *sql.Rows) ([]models.DashboardAlert, error) {
	defer rows.Close()
	out := []models.DashboardAlert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert failed: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rows: %w", err)
	}
	return out, nil
}
