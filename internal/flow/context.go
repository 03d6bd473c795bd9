package flow

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/BTreeMap/CourseBot/internal/models"
	"github.com/BTreeMap/CourseBot/internal/records"
)

// Rendering context keys available to node labels.
const (
	VarStudentName  = "student_name"
	VarCourseName   = "course_name"
	VarRecoveryDate = "recovery_date"
	VarFinalGrade   = "final_grade"
)

// Defaults for ContextBuilder.
const (
	DefaultRecoveryExam   = "Recuperatorio"
	DefaultRecoveryLayout = "02/01/2006"
	RecoveryDateUnknown   = "a confirmar"
)

// ContextBuilder assembles the variables a node label is rendered with.
type ContextBuilder struct {
	Records      records.Resolver
	CourseID     int64
	RecoveryExam string
}

// Build returns the rendering context for a student. Failed course and grade lookups leave
// their key out, so a label that needs it is sent unrendered. recovery_date is always set:
// it falls back to "a confirmar" when no event is found or the lookup fails.
func (b ContextBuilder) Build(ctx context.Context, identity *models.Identity) map[string]string {
	vars := make(map[string]string, 4)
	if identity != nil {
		vars[VarStudentName] = identity.FirstName()
	}
	vars[VarRecoveryDate] = RecoveryDateUnknown
	if b.Records == nil {
		return vars
	}

	if name, err := b.Records.CourseName(ctx, b.CourseID); err != nil {
		slog.Warn("ContextBuilder.Build: course lookup failed", "course_id", b.CourseID, "error", err)
	} else if name != "" {
		vars[VarCourseName] = name
	}

	exam := b.RecoveryExam
	if exam == "" {
		exam = DefaultRecoveryExam
	}
	if date, err := b.Records.RecoveryDate(ctx, b.CourseID, exam); err != nil {
		slog.Warn("ContextBuilder.Build: recovery date lookup failed", "course_id", b.CourseID, "error", err)
	} else if date != nil {
		vars[VarRecoveryDate] = date.Format(DefaultRecoveryLayout)
	}

	if identity != nil {
		if grade, err := b.Records.GradeOf(ctx, identity.AcademicID); err != nil {
			slog.Warn("ContextBuilder.Build: grade lookup failed", "academic_id", identity.AcademicID, "error", err)
		} else if grade != nil {
			vars[VarFinalGrade] = strconv.FormatFloat(*grade, 'f', -1, 64)
		}
	}
	return vars
}
