package db

import "time"

// ExecuteHooks is called by a Conn around the execution of each statement.
type ExecuteHooks interface {
	BeforeExecute()
	AfterExecute()
}

// StatementTimer measures the latency of a single statement. It is passed to
// Conn.Execute and reports no latency unless both hooks fired.
type StatementTimer struct {
	now     func() time.Time
	start   time.Time
	latency time.Duration
	done    bool
}

// NewStatementTimer returns a timer using the wall clock.
func NewStatementTimer() *StatementTimer {
	return &StatementTimer{now: time.Now}
}

func (t *StatementTimer) BeforeExecute() {
	t.start = t.now()
	t.done = false
}

func (t *StatementTimer) AfterExecute() {
	if t.start.IsZero() {
		return
	}
	t.latency = t.now().Sub(t.start)
	t.start = time.Time{}
	t.done = true
}

// Latency returns the measured latency, or nil if the statement didn't
// complete.
func (t *StatementTimer) Latency() *time.Duration {
	if !t.done {
		return nil
	}
	l := t.latency
	return &l
}
