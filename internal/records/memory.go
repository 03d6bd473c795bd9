package records

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CourseBot/internal/models"
)

// Student is a row of the students directory.
type Student struct {
	AcademicID int64
	Phone      string
	FullName   string
}

// Event is a dated course event such as an exam.
type Event struct {
	CourseID int64
	Name     string
	Start    time.Time
}

// MemoryResolver is an in-process Resolver with the same matching rules as SQLResolver.
type MemoryResolver struct {
	mu       sync.RWMutex
	courseID int64
	students []Student
	grades   map[int64]float64
	courses  map[int64]string
	events   []Event
	recent   []GradeRecord
}

// Compile-time check that MemoryResolver implements Resolver.
var _ Resolver = (*MemoryResolver)(nil)

// NewMemoryResolver creates an empty resolver for the given target course.
func NewMemoryResolver(targetCourseID int64) *MemoryResolver {
	return &MemoryResolver{
		courseID: targetCourseID,
		grades:   make(map[int64]float64),
		courses:  make(map[int64]string),
	}
}

// AddStudent registers a directory entry.
func (m *MemoryResolver) AddStudent(s Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students = append(m.students, s)
	sort.SliceStable(m.students, func(i, j int) bool { return m.students[i].AcademicID < m.students[j].AcademicID })
}

// SetGrade records a final grade in the target course.
func (m *MemoryResolver) SetGrade(academicID int64, grade float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grades[academicID] = grade
}

// SetCourse records a course name.
func (m *MemoryResolver) SetCourse(courseID int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[courseID] = name
}

// AddEvent records a course event.
func (m *MemoryResolver) AddEvent(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

// AddRecentGrade records a grade returned by RecentGrades.
func (m *MemoryResolver) AddRecentGrade(g GradeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, g)
}

func (m *MemoryResolver) Resolve(ctx context.Context, address string) (*models.Identity, error) {
	digits := NormalizeAddress(address)
	if digits == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, key := range lookupKeys(digits) {
		for _, s := range m.students {
			if s.Phone == key {
				return &models.Identity{AcademicID: s.AcademicID, DisplayName: s.FullName}, nil
			}
		}
	}
	suffix := suffixOf(digits)
	if suffix == "" {
		return nil, nil
	}
	for _, s := range m.students {
		if strings.HasSuffix(s.Phone, suffix) {
			return &models.Identity{AcademicID: s.AcademicID, DisplayName: s.FullName}, nil
		}
	}
	return nil, nil
}

func (m *MemoryResolver) ResolveMany(ctx context.Context, addresses []string) (map[string]string, error) {
	return resolveMany(ctx, m, addresses), nil
}

func (m *MemoryResolver) GradeOf(ctx context.Context, academicID int64) (*float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grades[academicID]
	if !ok {
		return nil, nil
	}
	g = roundGrade(g)
	return &g, nil
}

func (m *MemoryResolver) CourseName(ctx context.Context, courseID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.courses[courseID], nil
}

func (m *MemoryResolver) RecoveryDate(ctx context.Context, courseID int64, examName string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var first *time.Time
	for _, e := range m.events {
		if e.CourseID != courseID || !strings.Contains(e.Name, examName) {
			continue
		}
		if first == nil || e.Start.Before(*first) {
			start := e.Start
			first = &start
		}
	}
	return first, nil
}

func (m *MemoryResolver) PhoneOf(ctx context.Context, academicID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.students {
		if s.AcademicID == academicID {
			return s.Phone, nil
		}
	}
	return "", nil
}

func (m *MemoryResolver) RecentGrades(ctx context.Context, since time.Time) ([]GradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []GradeRecord
	for _, g := range m.recent {
		if g.ModifiedAt.Before(since) {
			continue
		}
		if m.courseID > 0 && g.CourseID != m.courseID {
			continue
		}
		g.Grade = roundGrade(g.Grade)
		out = append(out, g)
	}
	return out, nil
}
