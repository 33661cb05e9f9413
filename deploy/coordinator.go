package deploy

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sorenmh/infrastructure-shared/mergebot/git"
	"github.com/sorenmh/infrastructure-shared/mergebot/models"
	"github.com/sorenmh/infrastructure-shared/mergebot/registry"
	"github.com/sorenmh/infrastructure-shared/mergebot/session"
	"github.com/sorenmh/infrastructure-shared/mergebot/slack"
)

// ReactionApprove is the only reaction kind that counts toward quorum.
const ReactionApprove = "approve"

var (
	ErrSessionAlreadyInFlight = errors.New("a session for this deployable and environment is already in flight")
	ErrUnknownSession         = errors.New("unknown session")
)

// Archive records session history. Failures are logged, never fatal:
// session state lives in memory and the archive is an audit trail.
type Archive interface {
	CreateSession(view models.SessionView) error
	UpdateSessionState(id string, state models.SessionState) error
	RecordMergeJobs(sessionID string, jobs []models.MergeJob) error
}

// Coordinator drives the full deploy flow: command resolution, approval
// sessions, merge job dispatch, and result reporting.
type Coordinator struct {
	registry  *registry.Registry
	directory registry.Directory
	notifier  slack.Notifier
	executor  git.Executor
	archive   Archive
	timeout   time.Duration

	mu       sync.Mutex
	sessions map[string]*session.Session
	targets  map[string][]registry.Target
	inflight map[string]string // deployable|environment -> session id

	sweepDone chan struct{}
	sweepOnce sync.Once
}

func NewCoordinator(reg *registry.Registry, dir registry.Directory, notifier slack.Notifier,
	executor git.Executor, archive Archive, timeout time.Duration) *Coordinator {
	return &Coordinator{
		registry:  reg,
		directory: dir,
		notifier:  notifier,
		executor:  executor,
		archive:   archive,
		timeout:   timeout,
		sessions:  make(map[string]*session.Session),
		targets:   make(map[string][]registry.Target),
		inflight:  make(map[string]string),
		sweepDone: make(chan struct{}),
	}
}

func inflightKey(deployable, environment string) string {
	return strings.ToLower(strings.TrimSpace(deployable)) + "|" + strings.ToLower(strings.TrimSpace(environment))
}

// RequestDeploy resolves a deploy command, opens an approval session,
// and solicits approvals. It returns as soon as the session is open;
// approval and execution happen asynchronously.
func (c *Coordinator) RequestDeploy(deployable, environment, requesterID string) (*models.CommandResponse, error) {
	res, err := c.registry.Resolve(deployable, environment, requesterID, c.directory)
	if err != nil {
		return nil, err
	}

	key := inflightKey(res.Deployable, res.Environment)

	c.mu.Lock()
	if sid, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (session %s)", ErrSessionAlreadyInFlight, sid)
	}

	sess, err := session.New(uuid.New().String(), res.Deployable, res.Environment, requesterID, res.Approvers, c.timeout)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	c.sessions[sess.ID()] = sess
	c.targets[sess.ID()] = res.Targets
	c.inflight[key] = sess.ID()
	c.mu.Unlock()

	log.Printf("(session %s) created: %s/%s requested by %s, approvers %v",
		sess.ID(), res.Deployable, res.Environment, requesterID, res.Approvers)

	if err := c.archive.CreateSession(sess.View()); err != nil {
		log.Printf("(session %s) failed to archive creation: %v", sess.ID(), err)
	}

	repos := make([]string, len(res.Targets))
	for i, t := range res.Targets {
		repos[i] = t.Repository
	}

	msgID, err := c.notifier.SendApprovalRequest(sess.View(), repos)
	if err != nil {
		log.Printf("(session %s) failed to send approval request: %v", sess.ID(), err)
	} else {
		sess.SetMessageID(msgID)
	}

	return &models.CommandResponse{
		SessionID:    sess.ID(),
		Deployable:   res.Deployable,
		Environment:  res.Environment,
		Repositories: repos,
		Approvers:    res.Approvers,
		Deadline:     sess.Deadline(),
	}, nil
}

// HandleApprovalEvent routes a reaction event into the matching session.
// Non-approve reactions, unknown users, and duplicates are silently
// ignored; the quorum-completing event dispatches execution exactly once.
func (c *Coordinator) HandleApprovalEvent(sessionID, userID, reactionKind string) error {
	if !strings.EqualFold(reactionKind, ReactionApprove) {
		return nil
	}

	sess := c.lookup(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	counted, quorum := sess.RecordApproval(userID)
	if !counted {
		// Unauthorized or duplicate approvals are not surfaced as errors,
		// so approver-list membership is not leaked to reactors.
		log.Printf("(session %s) ignoring reaction from %s", sessionID, userID)
		return nil
	}

	log.Printf("(session %s) approved by %s", sessionID, userID)

	if !quorum {
		log.Printf("(session %s) still needs approvers: %v", sessionID, sess.Outstanding())
		if err := c.notifier.SendApprovalProgress(sess.View()); err != nil {
			log.Printf("(session %s) failed to send progress: %v", sessionID, err)
		}
		return nil
	}

	log.Printf("(session %s) fully approved", sessionID)

	if sess.BeginExecution() {
		if err := c.archive.UpdateSessionState(sessionID, models.StateExecuting); err != nil {
			log.Printf("(session %s) failed to archive state: %v", sessionID, err)
		}
		go c.execute(sess)
	}
	return nil
}

// execute dispatches one merge job per participating repository. Jobs
// run concurrently and all of them are attempted: one repository
// failing never short-circuits the others. Outcomes keep target order.
func (c *Coordinator) execute(sess *session.Session) {
	c.mu.Lock()
	targets := c.targets[sess.ID()]
	c.mu.Unlock()

	jobs := make([]models.MergeJob, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		jobs[i] = models.MergeJob{
			Repository:   t.Repository,
			BaseBranch:   t.BaseBranch,
			TargetBranch: t.TargetBranch,
			Status:       models.JobPending,
		}

		wg.Add(1)
		go func(i int, t registry.Target) {
			defer wg.Done()

			err := c.executor.Merge(git.Job{
				Repository:   t.Repository,
				URL:          t.URL,
				SSHKeyPath:   t.SSHKeyPath,
				BaseBranch:   t.BaseBranch,
				TargetBranch: t.TargetBranch,
			})
			if err == nil {
				jobs[i].Status = models.JobSucceeded
				log.Printf("(session %s) merged %s -> %s in %s", sess.ID(), t.BaseBranch, t.TargetBranch, t.Repository)
				return
			}

			jobs[i].Status = models.JobFailed
			jobs[i].Detail = err.Error()
			var gitErr *git.Error
			if errors.As(err, &gitErr) {
				jobs[i].Reason = gitErr.Reason
			} else {
				jobs[i].Reason = models.ReasonTransport
			}
			log.Printf("(session %s) merge failed in %s: %v", sess.ID(), t.Repository, err)
		}(i, t)
	}
	wg.Wait()

	state := sess.Complete(jobs)
	log.Printf("(session %s) finished in state %s", sess.ID(), state)

	if err := c.archive.RecordMergeJobs(sess.ID(), jobs); err != nil {
		log.Printf("(session %s) failed to archive jobs: %v", sess.ID(), err)
	}
	if err := c.archive.UpdateSessionState(sess.ID(), state); err != nil {
		log.Printf("(session %s) failed to archive state: %v", sess.ID(), err)
	}

	if err := c.notifier.SendResult(sess.View(), sess.Result()); err != nil {
		log.Printf("(session %s) failed to send result: %v", sess.ID(), err)
	}

	c.release(sess)
}

// ExpireSessions abandons every pending session whose deadline has
// elapsed. Sessions past Pending are never expired.
func (c *Coordinator) ExpireSessions(now time.Time) int {
	c.mu.Lock()
	live := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	expired := 0
	for _, sess := range live {
		if !sess.Timeout(now) {
			continue
		}
		expired++
		log.Printf("(session %s) abandoned: approval deadline elapsed", sess.ID())

		if err := c.archive.UpdateSessionState(sess.ID(), models.StateAbandoned); err != nil {
			log.Printf("(session %s) failed to archive state: %v", sess.ID(), err)
		}
		if err := c.notifier.SendResult(sess.View(), sess.Result()); err != nil {
			log.Printf("(session %s) failed to send result: %v", sess.ID(), err)
		}

		c.release(sess)
	}
	return expired
}

// StartSweeper runs the expiry check periodically until Close.
func (c *Coordinator) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.ExpireSessions(time.Now())
			case <-c.sweepDone:
				return
			}
		}
	}()
}

func (c *Coordinator) Close() {
	c.sweepOnce.Do(func() { close(c.sweepDone) })
}

func (c *Coordinator) lookup(sessionID string) *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// release drops a terminal session from the live registry and clears
// its in-flight marker. The archive keeps the history.
func (c *Coordinator) release(sess *session.Session) {
	key := inflightKey(sess.Deployable(), sess.Environment())

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, sess.ID())
	delete(c.targets, sess.ID())
	if c.inflight[key] == sess.ID() {
		delete(c.inflight, key)
	}
}

// Sessions lists live sessions, oldest first.
func (c *Coordinator) Sessions() []models.SessionView {
	c.mu.Lock()
	views := make([]models.SessionView, 0, len(c.sessions))
	for _, s := range c.sessions {
		views = append(views, s.View())
	}
	c.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	return views
}

// Session returns a live session's view.
func (c *Coordinator) Session(id string) (models.SessionView, bool) {
	sess := c.lookup(id)
	if sess == nil {
		return models.SessionView{}, false
	}
	return sess.View(), true
}
