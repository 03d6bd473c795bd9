// Package records resolves WhatsApp senders against the academic-records store and reads
// grades, course names and exam dates from it. The store is read-only.
package records

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/BTreeMap/CourseBot/internal/models"
)

// SuffixDigits is the number of trailing digits used for the fallback phone match. It covers
// senders whose stored number lacks the country or mobile prefix.
const SuffixDigits = 9

// GradeRecord is a finalized course grade recently written to the records store.
type GradeRecord struct {
	AcademicID int64
	FirstName  string
	CourseID   int64
	CourseName string
	Grade      float64
	ModifiedAt time.Time
}

// Resolver maps channel addresses to student identities and reads academic data.
type Resolver interface {
	// Resolve returns the identity for address, or (nil, nil) when no student matches.
	Resolve(ctx context.Context, address string) (*models.Identity, error)
	// ResolveMany maps each resolvable address to a display name. Unmatched addresses are omitted.
	ResolveMany(ctx context.Context, addresses []string) (map[string]string, error)
	// GradeOf returns the final grade in the target course. nil means not yet graded.
	GradeOf(ctx context.Context, academicID int64) (*float64, error)
	// CourseName returns the full name of a course, or "" when it does not exist.
	CourseName(ctx context.Context, courseID int64) (string, error)
	// RecoveryDate returns the start of the first course event whose name contains examName.
	RecoveryDate(ctx context.Context, courseID int64, examName string) (*time.Time, error)
	// PhoneOf returns the stored phone for a student, or "" when none is recorded.
	PhoneOf(ctx context.Context, academicID int64) (string, error)
	// RecentGrades lists course grades modified at or after since.
	RecentGrades(ctx context.Context, since time.Time) ([]GradeRecord, error)
}

// NormalizeAddress reduces a channel address such as "whatsapp:+54 9 11-1234-5678" to its
// digits. The transport prefix, separators and leading plus are dropped.
func NormalizeAddress(address string) string {
	a := strings.TrimSpace(address)
	if i := strings.LastIndex(a, ":"); i >= 0 {
		a = a[i+1:]
	}
	var b strings.Builder
	for _, r := range a {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// lookupKeys returns the exact-match candidates for digits, in priority order.
func lookupKeys(digits string) []string {
	return []string{digits, "+" + digits}
}

// suffixOf returns the trailing digits used for the fallback match, or "" when digits is too
// short for a suffix match to be meaningful.
func suffixOf(digits string) string {
	if len(digits) < SuffixDigits {
		return ""
	}
	return digits[len(digits)-SuffixDigits:]
}

// roundGrade rounds to two decimals.
func roundGrade(g float64) float64 {
	return math.Round(g*100) / 100
}
