package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sorenmh/infrastructure-shared/mergebot/models"
)

// Session is the approval state machine for one deploy request.
//
// State moves monotonically: pending -> approved -> executing ->
// completed|failed, with abandoned reachable only from pending. Every
// transition happens under the session mutex, so concurrent approval
// events cannot race a transition twice.
type Session struct {
	mu sync.Mutex

	id          string
	deployable  string
	environment string
	requesterID string

	required map[string]bool
	approved map[string]bool

	state     models.SessionState
	createdAt time.Time
	deadline  time.Time

	messageID string
	jobs      []models.MergeJob
}

// New creates a session in Pending with the given required approver set.
func New(id, deployable, environment, requesterID string, approvers []string, timeout time.Duration) (*Session, error) {
	if len(approvers) == 0 {
		return nil, fmt.Errorf("session %s: required approver set is empty", id)
	}

	required := make(map[string]bool, len(approvers))
	for _, a := range approvers {
		required[a] = true
	}

	now := time.Now()
	return &Session{
		id:          id,
		deployable:  deployable,
		environment: environment,
		requesterID: requesterID,
		required:    required,
		approved:    make(map[string]bool),
		state:       models.StatePending,
		createdAt:   now,
		deadline:    now.Add(timeout),
	}, nil
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Deployable() string  { return s.deployable }
func (s *Session) Environment() string { return s.environment }
func (s *Session) RequesterID() string { return s.requesterID }

func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// SetMessageID records the chat message identity of the approval request.
func (s *Session) SetMessageID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageID = id
}

func (s *Session) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

// RecordApproval counts an approval from userID. Approvals from users
// outside the required set, duplicate approvals, and approvals arriving
// after Pending are all silent no-ops. quorum is true only for the single
// call that observes the last outstanding approver and performs the
// Pending -> Approved transition.
func (s *Session) RecordApproval(userID string) (counted, quorum bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.StatePending {
		return false, false
	}
	if !s.required[userID] || s.approved[userID] {
		return false, false
	}

	s.approved[userID] = true

	if len(s.approved) == len(s.required) {
		s.state = models.StateApproved
		return true, true
	}
	return true, false
}

// Outstanding returns the required approvers who have not yet approved.
func (s *Session) Outstanding() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstandingLocked()
}

func (s *Session) outstandingLocked() []string {
	var out []string
	for id := range s.required {
		if !s.approved[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Timeout transitions Pending -> Abandoned if the deadline has elapsed.
// Sessions past Pending are never abandoned.
func (s *Session) Timeout(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.StatePending || now.Before(s.deadline) {
		return false
	}
	s.state = models.StateAbandoned
	return true
}

// Cancel transitions Pending -> Abandoned regardless of the deadline.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.StatePending {
		return false
	}
	s.state = models.StateAbandoned
	return true
}

// BeginExecution transitions Approved -> Executing. It is the single
// point that authorizes merge job dispatch and succeeds at most once.
func (s *Session) BeginExecution() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.StateApproved {
		return false
	}
	s.state = models.StateExecuting
	return true
}

// Complete transitions Executing to Completed when every job succeeded,
// Failed otherwise. The per-repo breakdown is retained on the session.
func (s *Session) Complete(jobs []models.MergeJob) models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != models.StateExecuting {
		return s.state
	}

	s.jobs = jobs
	s.state = models.StateCompleted
	for _, j := range jobs {
		if j.Status != models.JobSucceeded {
			s.state = models.StateFailed
			break
		}
	}
	return s.state
}

// Result builds the aggregated deploy result for a terminal session.
func (s *Session) Result() models.DeployResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.DeployAborted
	switch s.state {
	case models.StateCompleted:
		status = models.DeployAllSucceeded
	case models.StateFailed:
		status = models.DeployPartialFailure
	}

	return models.DeployResult{
		SessionID: s.id,
		Jobs:      append([]models.MergeJob(nil), s.jobs...),
		Status:    status,
	}
}

// Approvers returns the full required approver set.
func (s *Session) Approvers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.required))
	for id := range s.required {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// View renders the session for API responses.
func (s *Session) View() models.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.SessionView{
		ID:            s.id,
		Deployable:    s.deployable,
		Environment:   s.environment,
		RequesterID:   s.requesterID,
		State:         s.state,
		RequiredCount: len(s.required),
		ApprovedCount: len(s.approved),
		Outstanding:   s.outstandingLocked(),
		CreatedAt:     s.createdAt,
		Deadline:      s.deadline,
		Jobs:          append([]models.MergeJob(nil), s.jobs...),
	}
}
