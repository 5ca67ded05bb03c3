package credential

import "sync"

// RetryState is the position of the reactive retry machine.
type RetryState int

const (
	RetryIdle RetryState = iota
	RetryRefreshing
	RetryExhausted
)

func (s RetryState) String() string {
	switch s {
	case RetryIdle:
		return "idle"
	case RetryRefreshing:
		return "refreshing"
	case RetryExhausted:
		return "exhausted"
	}
	return "unknown"
}

// retryMachine bounds reactive refresh attempts between successful refreshes.
//
//	Idle --authFailure--> Refreshing --refreshFailed--> Idle | Exhausted
//	any  --refreshSucceeded--> Idle (attempts = 0)
type retryMachine struct {
	mu       sync.Mutex
	max      int
	attempts int
	state    RetryState
}

func newRetryMachine(limit int) *retryMachine {
	if limit <= 0 {
		limit = 1
	}
	return &retryMachine{max: limit}
}

// authFailure records a renderer authentication failure. It returns the
// attempt number to run and the state the machine was in; only RetryIdle
// means the caller owns a new attempt.
func (m *retryMachine) authFailure() (int, RetryState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case RetryRefreshing, RetryExhausted:
		return m.attempts, m.state
	}
	if m.attempts >= m.max {
		m.state = RetryExhausted
		return m.attempts, RetryExhausted
	}
	m.attempts++
	m.state = RetryRefreshing
	return m.attempts, RetryIdle
}

// refreshSucceeded resets the counter. A refresh that produces a new token
// starts a new credential lifetime, whichever path issued it.
func (m *retryMachine) refreshSucceeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = 0
	if m.state == RetryExhausted {
		m.state = RetryIdle
	}
}

// reactiveDone ends the in-flight reactive attempt.
func (m *retryMachine) reactiveDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == RetryRefreshing {
		m.state = RetryIdle
	}
}

// refreshFailed ends a failed reactive attempt and reports whether the bound
// has been reached.
func (m *retryMachine) refreshFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts >= m.max {
		m.state = RetryExhausted
		return true
	}
	m.state = RetryIdle
	return false
}

func (m *retryMachine) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = 0
	m.state = RetryIdle
}

func (m *retryMachine) snapshot() (int, RetryState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts, m.state
}
