package records

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CourseBot/internal/models"
	"github.com/BTreeMap/CourseBot/internal/store"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLResolver reads the students directory and the Moodle tables from one database.
type SQLResolver struct {
	db       *sql.DB
	dialect  string
	courseID int64
}

// Compile-time check that SQLResolver implements Resolver.
var _ Resolver = (*SQLResolver)(nil)

// Open connects to the records database. The driver is chosen from the DSN the same way the
// message log does it.
func Open(dsn string, targetCourseID int64) (*SQLResolver, error) {
	if dsn == "" {
		return nil, fmt.Errorf("records DSN not set")
	}
	dialect := store.DetectDSNType(dsn)
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		slog.Error("SQLResolver.Open: failed to open records database", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLResolver.Open: ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to reach records database: %w", err)
	}
	slog.Debug("SQLResolver.Open: connected", "dialect", dialect, "course_id", targetCourseID)
	return NewSQLResolver(db, dialect, targetCourseID), nil
}

// NewSQLResolver wraps an open database handle. dialect is "postgres" or "sqlite3".
func NewSQLResolver(db *sql.DB, dialect string, targetCourseID int64) *SQLResolver {
	return &SQLResolver{db: db, dialect: dialect, courseID: targetCourseID}
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (r *SQLResolver) rebind(query string) string {
	if r.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *SQLResolver) Resolve(ctx context.Context, address string) (*models.Identity, error) {
	digits := NormalizeAddress(address)
	if digits == "" {
		return nil, nil
	}

	for _, key := range lookupKeys(digits) {
		id, err := r.lookup(ctx, `SELECT moodle_user_id, full_name FROM students WHERE phone_number = ? ORDER BY moodle_user_id LIMIT 2`, key)
		if err != nil {
			return nil, err
		}
		if id != nil {
			return id, nil
		}
	}

	suffix := suffixOf(digits)
	if suffix == "" {
		return nil, nil
	}
	return r.lookup(ctx, `SELECT moodle_user_id, full_name FROM students WHERE phone_number LIKE ? ORDER BY moodle_user_id LIMIT 2`, "%"+suffix)
}

// lookup returns the first matching student. A second match is logged as ambiguous.
func (r *SQLResolver) lookup(ctx context.Context, query, arg string) (*models.Identity, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), arg)
	if err != nil {
		return nil, fmt.Errorf("student lookup failed: %w", err)
	}
	defer rows.Close()

	var found []models.Identity
	for rows.Next() {
		var id models.Identity
		if err := rows.Scan(&id.AcademicID, &id.DisplayName); err != nil {
			return nil, fmt.Errorf("scan student failed: %w", err)
		}
		found = append(found, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("student lookup failed: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	if len(found) > 1 {
		slog.Warn("SQLResolver.Resolve: ambiguous phone match, using lowest id", "match", arg, "academic_id", found[0].AcademicID)
	}
	return &found[0], nil
}

func (r *SQLResolver) ResolveMany(ctx context.Context, addresses []string) (map[string]string, error) {
	return resolveMany(ctx, r, addresses), nil
}

func (r *SQLResolver) GradeOf(ctx context.Context, academicID int64) (*float64, error) {
	var grade sql.NullFloat64
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT gg.finalgrade
		FROM mdl_grade_grades gg
		JOIN mdl_grade_items gi ON gg.itemid = gi.id
		WHERE gg.userid = ? AND gi.courseid = ? AND gi.itemtype = 'course'`),
		academicID, r.courseID).Scan(&grade)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("grade lookup failed: %w", err)
	}
	if !grade.Valid {
		return nil, nil
	}
	g := roundGrade(grade.Float64)
	return &g, nil
}

func (r *SQLResolver) CourseName(ctx context.Context, courseID int64) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT fullname FROM mdl_course WHERE id = ?`), courseID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("course lookup failed: %w", err)
	}
	return name, nil
}

func (r *SQLResolver) RecoveryDate(ctx context.Context, courseID int64, examName string) (*time.Time, error) {
	var start int64
	err := r.db.QueryRowContext(ctx, r.rebind(`
		SELECT timestart FROM mdl_event
		WHERE courseid = ? AND name LIKE ?
		ORDER BY timestart LIMIT 1`),
		courseID, "%"+examName+"%").Scan(&start)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("event lookup failed: %w", err)
	}
	t := time.Unix(start, 0)
	return &t, nil
}

func (r *SQLResolver) PhoneOf(ctx context.Context, academicID int64) (string, error) {
	var phone sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT phone_number FROM students WHERE moodle_user_id = ? LIMIT 1`), academicID).Scan(&phone)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("phone lookup failed: %w", err)
	}
	return phone.String, nil
}

func (r *SQLResolver) RecentGrades(ctx context.Context, since time.Time) ([]GradeRecord, error) {
	query := `
		SELECT u.id, u.firstname, c.id, c.fullname, gg.finalgrade, gg.timemodified
		FROM mdl_grade_grades gg
		JOIN mdl_grade_items gi ON gg.itemid = gi.id
		JOIN mdl_user u ON gg.userid = u.id
		JOIN mdl_course c ON gi.courseid = c.id
		WHERE gi.itemtype = 'course'
		  AND gg.finalgrade IS NOT NULL
		  AND gg.timemodified >= ?`
	args := []interface{}{since.Unix()}
	if r.courseID > 0 {
		query += ` AND gi.courseid = ?`
		args = append(args, r.courseID)
	}
	query += ` ORDER BY gg.timemodified, u.id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("recent grades query failed: %w", err)
	}
	defer rows.Close()

	var out []GradeRecord
	for rows.Next() {
		var g GradeRecord
		var modified int64
		if err := rows.Scan(&g.AcademicID, &g.FirstName, &g.CourseID, &g.CourseName, &g.Grade, &modified); err != nil {
			return nil, fmt.Errorf("scan grade failed: %w", err)
		}
		g.Grade = roundGrade(g.Grade)
		g.ModifiedAt = time.Unix(modified, 0)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent grades iteration failed: %w", err)
	}
	return out, nil
}

// Close closes the records database connection.
func (r *SQLResolver) Close() error {
	return r.db.Close()
}

// resolveMany resolves each address independently; failures are logged and skipped.
func resolveMany(ctx context.Context, r Resolver, addresses []string) map[string]string {
	out := make(map[string]string, len(addresses))
	for _, addr := range addresses {
		if _, seen := out[addr]; seen {
			continue
		}
		id, err := r.Resolve(ctx, addr)
		if err != nil {
			slog.Warn("records.ResolveMany: lookup failed", "address", addr, "error", err)
			continue
		}
		if id == nil {
			slog.Debug("records.ResolveMany: no student for address", "address", addr)
			continue
		}
		out[addr] = id.DisplayName
	}
	return out
}
