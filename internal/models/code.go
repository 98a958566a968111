package models

import "time"

// TestState summarizes the remote editor's test-result region.
type TestState string

const (
	TestUnknown TestState = "unknown"
	TestRunning TestState = "running"
	TestPassed  TestState = "passed_k_of_n"
	TestFailed  TestState = "failed_k_of_n"
)

// CodeSnapshot is a sampled view of the remote editor at a point in time.
type CodeSnapshot struct {
	T              time.Time
	EditorText     string
	Language       string
	QuestionID     string
	TestState      TestState
	PassedCount    int
	TotalCount     int
	SubmitInFlight bool
}

// Equal reports whether two snapshots are "equal" per spec: normalized
// editor text and question_id match.
func (s CodeSnapshot) Equal(other CodeSnapshot) bool {
	return Normalize(s.EditorText) == Normalize(other.EditorText) && s.QuestionID == other.QuestionID
}

// AllPassed reports whether the test state represents k = n passing tests.
func (s CodeSnapshot) AllPassed() bool {
	return s.TestState == TestPassed && s.TotalCount > 0 && s.PassedCount == s.TotalCount
}

// InactivityWindow is derived from consecutive equal snapshots.
type InactivityWindow struct {
	Since       time.Time
	LastEqualAt time.Time
	Elapsed     time.Duration
}
