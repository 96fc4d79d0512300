// Package memory is an in-process implementation of the engine's storage
// ports. It keeps the same atomicity guarantees as the PostgreSQL
// repositories (one writer per unit of work, rollback on error) and is
// used by tests and local runs without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eduplatform/xp-engine/internal/domain/leveling"
	"github.com/eduplatform/xp-engine/internal/domain/lesson"
	"github.com/eduplatform/xp-engine/internal/domain/shared"
	"github.com/eduplatform/xp-engine/internal/domain/student"
)

type pairKey struct {
	studentID int64
	lessonID  int64
}

type state struct {
	students map[int64]student.Student
	lessons  map[int64]lesson.Lesson
	progress map[pairKey]lesson.Progress
	ledger   []student.Entry
}

func (s state) clone() state {
	c := state{
		students: make(map[int64]student.Student, len(s.students)),
		lessons:  make(map[int64]lesson.Lesson, len(s.lessons)),
		progress: make(map[pairKey]lesson.Progress, len(s.progress)),
		ledger:   make([]student.Entry, len(s.ledger)),
	}
	for k, v := range s.students {
		c.students[k] = v
	}
	for k, v := range s.lessons {
		c.lessons[k] = v
	}
	for k, v := range s.progress {
		c.progress[k] = v
	}
	copy(c.ledger, s.ledger)
	return c
}

// Store holds all tables in memory.
type Store struct {
	policy leveling.Policy
	now    func() time.Time

	// txMu serializes units of work, standing in for row locks.
	txMu sync.Mutex

	mu     sync.RWMutex
	data   state
	faults map[string]error
}

// NewStore creates an empty store.
func NewStore(policy leveling.Policy) *Store {
	return &Store{
		policy: policy,
		now:    time.Now,
		data: state{
			students: make(map[int64]student.Student),
			lessons:  make(map[int64]lesson.Lesson),
			progress: make(map[pairKey]lesson.Progress),
		},
		faults: make(map[string]error),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// UNIT OF WORK
// ══════════════════════════════════════════════════════════════════════════════

type txKey struct{}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// WithinTx implements shared.Transactor. Everything fn writes is undone if
// it returns an error or panics.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if inTx(ctx) {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			s.restore(snapshot)
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

func (s *Store) restore(snapshot state) {
	s.mu.Lock()
	s.data = snapshot
	s.mu.Unlock()
}

// FailNext makes the next call of op return err. op is a method name such
// as "ApplyAdjustment" or "MarkCompleted".
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.faults[op]
	delete(s.faults, op)
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// SEEDING AND INSPECTION
// ══════════════════════════════════════════════════════════════════════════════

// PutStudent inserts or replaces a user row. An empty role defaults to student
// and the level is derived from XP.
func (s *Store) PutStudent(st student.Student) {
	if st.Role == "" {
		st.Role = student.RoleStudent
	}
	st.Level = s.policy.LevelForXP(st.XP)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.students[st.ID] = st
}

// PutLesson inserts or replaces a lesson row.
func (s *Store) PutLesson(l lesson.Lesson) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.lessons[l.ID] = l
}

// PutProgress inserts or replaces a progress row without any ledger entry.
func (s *Store) PutProgress(p lesson.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.progress[pairKey{p.StudentID, p.LessonID}] = p
}

// Student returns a copy of the stored row.
func (s *Store) Student(id int64) (student.Student, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data.students[id]
	return st, ok
}

// ProgressCount returns the number of progress rows.
func (s *Store) ProgressCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.progress)
}

// Entries returns every ledger entry in insertion order.
func (s *Store) Entries() []student.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]student.Entry, len(s.data.ledger))
	copy(out, s.data.ledger)
	return out
}

// Students returns the student.Repository view.
func (s *Store) Students() *StudentRepository { return &StudentRepository{s: s} }

// Ledger returns the student.LedgerRepository view.
func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{s: s} }

// Lessons returns the lesson.Repository view.
func (s *Store) Lessons() *LessonRepository { return &LessonRepository{s: s} }

// Progress returns the lesson.ProgressRepository view.
func (s *Store) Progress() *ProgressRepository { return &ProgressRepository{s: s} }

// ══════════════════════════════════════════════════════════════════════════════
// STUDENTS
// ══════════════════════════════════════════════════════════════════════════════

// StudentRepository implements student.Repository.
type StudentRepository struct{ s *Store }

// GetByID returns the account with the given id.
func (r *StudentRepository) GetByID(ctx context.Context, id int64) (*student.Student, error) {
	if err := r.s.fault("GetStudent"); err != nil {
		return nil, err
	}
	st, ok := r.s.Student(id)
	if !ok {
		return nil, shared.ErrStudentNotFound
	}
	return &st, nil
}

// ApplyAdjustment applies adj atomically.
func (r *StudentRepository) ApplyAdjustment(ctx context.Context, adj student.Adjustment) (student.Balance, error) {
	if err := adj.Validate(); err != nil {
		return student.Balance{}, err
	}
	return r.mutate(ctx, adj.StudentID, "ApplyAdjustment", func(st *student.Student) (student.Balance, student.Entry) {
		return student.Apply(st, adj, r.s.policy, r.s.now())
	})
}

// ResetXP sets the balance to 0 / level 1.
func (r *StudentRepository) ResetXP(ctx context.Context, id int64) (student.Balance, error) {
	return r.mutate(ctx, id, "ResetXP", func(st *student.Student) (student.Balance, student.Entry) {
		return student.Reset(st, r.s.policy, r.s.now())
	})
}

func (r *StudentRepository) mutate(ctx context.Context, id int64, op string,
	apply func(*student.Student) (student.Balance, student.Entry)) (student.Balance, error) {
	var balance student.Balance
	err := r.s.WithinTx(ctx, func(ctx context.Context) error {
		if err := r.s.fault(op); err != nil {
			return err
		}

		r.s.mu.Lock()
		defer r.s.mu.Unlock()

		st, ok := r.s.data.students[id]
		if !ok || !st.IsStudent() {
			return shared.ErrStudentNotFound
		}

		b, entry := apply(&st)
		if entry.Reason == student.ReasonLessonReward && r.s.hasRewardLocked(id, entry.LessonID) {
			return shared.ErrRewardGranted
		}

		st.XP, st.Level = b.XP, b.Level
		r.s.data.students[id] = st
		entry.ID = uuid.NewString()
		r.s.data.ledger = append(r.s.data.ledger, entry)
		balance = b
		return nil
	})
	return balance, err
}

// ToggleActive flips the active flag.
func (r *StudentRepository) ToggleActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := r.s.WithinTx(ctx, func(ctx context.Context) error {
		if err := r.s.fault("ToggleActive"); err != nil {
			return err
		}

		r.s.mu.Lock()
		defer r.s.mu.Unlock()

		st, ok := r.s.data.students[id]
		if !ok || !st.IsStudent() {
			return shared.ErrStudentNotFound
		}
		st.IsActive = !st.IsActive
		r.s.data.students[id] = st
		active = st.IsActive
		return nil
	})
	return active, err
}

// ══════════════════════════════════════════════════════════════════════════════
// LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// LedgerRepository implements student.LedgerRepository.
type LedgerRepository struct{ s *Store }

func (s *Store) hasRewardLocked(studentID, lessonID int64) bool {
	for _, e := range s.data.ledger {
		if e.Reason == student.ReasonLessonReward && e.StudentID == studentID && e.LessonID == lessonID {
			return true
		}
	}
	return false
}

// HasLessonReward reports whether the pair has a lesson_reward entry.
func (r *LedgerRepository) HasLessonReward(ctx context.Context, studentID, lessonID int64) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.hasRewardLocked(studentID, lessonID), nil
}

// ListEntries returns the newest entries first.
func (r *LedgerRepository) ListEntries(ctx context.Context, studentID int64, limit int) ([]student.Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []student.Entry
	for i := len(r.s.data.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if e := r.s.data.ledger[i]; e.StudentID == studentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LESSONS AND PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// LessonRepository implements lesson.Repository.
type LessonRepository struct{ s *Store }

// GetByID returns the lesson with the given id.
func (r *LessonRepository) GetByID(ctx context.Context, id int64) (*lesson.Lesson, error) {
	if err := r.s.fault("GetLesson"); err != nil {
		return nil, err
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	l, ok := r.s.data.lessons[id]
	if !ok {
		return nil, shared.ErrLessonNotFound
	}
	return &l, nil
}

// ProgressRepository implements lesson.ProgressRepository.
type ProgressRepository struct{ s *Store }

// Get returns the pair's progress, NotStarted when absent.
func (r *ProgressRepository) Get(ctx context.Context, studentID, lessonID int64) (lesson.Progress, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.data.progress[pairKey{studentID, lessonID}]
	if !ok {
		return lesson.Progress{StudentID: studentID, LessonID: lessonID, Status: lesson.NotStarted}, nil
	}
	return p, nil
}

// GetForUpdate is Get; the surrounding unit of work already excludes other writers.
func (r *ProgressRepository) GetForUpdate(ctx context.Context, studentID, lessonID int64) (lesson.Progress, error) {
	return r.Get(ctx, studentID, lessonID)
}

// MarkInProgress creates an in_progress row if none exists.
func (r *ProgressRepository) MarkInProgress(ctx context.Context, studentID, lessonID int64) (bool, error) {
	return r.transition(ctx, "MarkInProgress", studentID, lessonID, lesson.InProgress)
}

// MarkCompleted moves the pair to completed unless it already is.
func (r *ProgressRepository) MarkCompleted(ctx context.Context, studentID, lessonID int64) (bool, error) {
	return r.transition(ctx, "MarkCompleted", studentID, lessonID, lesson.Completed)
}

func (r *ProgressRepository) transition(ctx context.Context, op string, studentID, lessonID int64, next lesson.Status) (bool, error) {
	var changed bool
	err := r.s.WithinTx(ctx, func(ctx context.Context) error {
		if err := r.s.fault(op); err != nil {
			return err
		}

		r.s.mu.Lock()
		defer r.s.mu.Unlock()

		key := pairKey{studentID, lessonID}
		p, ok := r.s.data.progress[key]
		if !ok {
			p = lesson.Progress{StudentID: studentID, LessonID: lessonID}
		} else if next == lesson.InProgress {
			// Insert-if-absent: an existing row is never touched.
			return nil
		}
		if p.Status == lesson.Completed {
			return nil
		}
		if err := p.Transition(next, r.s.now()); err != nil {
			return err
		}
		r.s.data.progress[key] = p
		changed = true
		return nil
	})
	return changed, err
}

// CountCompleted returns the number of completed lessons for a student.
func (r *ProgressRepository) CountCompleted(ctx context.Context, studentID int64) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := 0
	for k, p := range r.s.data.progress {
		if k.studentID == studentID && p.Status == lesson.Completed {
			n++
		}
	}
	return n, nil
}

// FindUnrewardedCompletions lists completed pairs with no lesson_reward entry.
func (r *ProgressRepository) FindUnrewardedCompletions(ctx context.Context, limit int) ([]lesson.Progress, error) {
	if limit <= 0 {
		limit = 100
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []lesson.Progress
	for _, p := range r.s.data.progress {
		if p.Status == lesson.Completed && !r.s.hasRewardLocked(p.StudentID, p.LessonID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := completedAt(out[i]), completedAt(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if out[i].StudentID != out[j].StudentID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].LessonID < out[j].LessonID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func completedAt(p lesson.Progress) time.Time {
	if p.CompletedAt == nil {
		return time.Time{}
	}
	return *p.CompletedAt
}
