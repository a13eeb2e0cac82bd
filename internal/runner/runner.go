// Package runner executes agent implementations against scheduler tasks.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

// ActorID is the identity the runner reports task progress under.
const ActorID = "runner"

var ErrNoImplementation = errors.New("no agent implementation registered")

type Input struct {
	Task    domain.AgentTask
	Stage   domain.Stage
	Lineage []domain.Artifact
}

type Output struct {
	Kind     string
	Payload  json.RawMessage
	Metadata json.RawMessage
}

// Agent produces one artifact for a task. Run must return when ctx is done.
type Agent interface {
	Run(ctx context.Context, in Input) (Output, error)
}

type AgentFunc func(ctx context.Context, in Input) (Output, error)

func (f AgentFunc) Run(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }

type Runner struct {
	Engine engine.Engine
	Logger *zap.Logger
	// PollInterval bounds the wait between Run passes. Commits made by other
	// processes send no notification.
	PollInterval time.Duration

	// claim serializes moving SPAWNED tasks to RUNNING between Start and Run.
	claim   sync.Mutex
	mu      sync.Mutex
	agents  map[string]Agent
	running map[string]context.CancelFunc
	group   errgroup.Group
}

// New returns a runner executing at most maxParallel agents at once; zero or
// less means no limit.
func New(eng engine.Engine, logger *zap.Logger, maxParallel int) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		Engine:       eng,
		Logger:       logger,
		PollInterval: 2 * time.Second,
		agents:       map[string]Agent{},
		running:      map[string]context.CancelFunc{},
	}
	if maxParallel > 0 {
		r.group.SetLimit(maxParallel)
	}
	return r
}

// Register binds an implementation to a registered agent type id.
func (r *Runner) Register(agentID string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = a
}

// wakeBlocked wakes only tasks of agents registered here. Tasks of agents
// implemented elsewhere stay BLOCKED until their own process reports.
func (r *Runner) wakeBlocked(ctx context.Context) ([]domain.AgentTask, error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return nil, nil
	}
	return r.Engine.WakeBlocked(ctx, ids...)
}

func (r *Runner) agent(agentID string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// Start spawns a task for agentID in the current stage and launches it. A task
// spawned BLOCKED is launched later by Run once its prerequisites are approved.
func (r *Runner) Start(ctx context.Context, agentID string, lineage []string) (domain.AgentTask, error) {
	if _, ok := r.agent(agentID); !ok {
		return domain.AgentTask{}, fmt.Errorf("%w: %s", ErrNoImplementation, agentID)
	}
	r.claim.Lock()
	task, err := r.Engine.Spawn(ctx, engine.SpawnRequest{AgentID: agentID, Lineage: lineage, ActorID: ActorID})
	if err != nil {
		r.claim.Unlock()
		return domain.AgentTask{}, err
	}
	if task.Status == domain.TaskBlocked {
		r.claim.Unlock()
		r.Logger.Info("task blocked on prerequisites", zap.String("task_id", task.ID), zap.String("agent_id", agentID))
		return task, nil
	}
	task, err = r.Engine.Report(ctx, engine.TaskReport{TaskID: task.ID, Status: domain.TaskRunning, ActorID: ActorID})
	r.claim.Unlock()
	if err != nil {
		return domain.AgentTask{}, err
	}
	r.launch(ctx, task)
	return task, nil
}

// claimSpawned moves SPAWNED tasks created elsewhere, over HTTP or the CLI, to
// RUNNING when their agent has an implementation here.
func (r *Runner) claimSpawned(ctx context.Context) ([]domain.AgentTask, error) {
	r.claim.Lock()
	defer r.claim.Unlock()
	tasks, err := r.Engine.ListTasks(ctx, repo.TaskFilters{Status: []domain.TaskStatus{domain.TaskSpawned}})
	if err != nil {
		return nil, err
	}
	var claimed []domain.AgentTask
	for _, t := range tasks {
		if _, ok := r.agent(t.AgentID); !ok {
			continue
		}
		running, err := r.Engine.Report(ctx, engine.TaskReport{TaskID: t.ID, Status: domain.TaskRunning, ActorID: ActorID})
		if err != nil {
			r.Logger.Warn("claim spawned task", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		claimed = append(claimed, running)
	}
	return claimed, nil
}

// DispatchStage starts every agent type allowed in the current stage that has
// an implementation. Occupied slots are skipped.
func (r *Runner) DispatchStage(ctx context.Context) ([]domain.AgentTask, error) {
	st, err := r.Engine.CurrentStage(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := r.Engine.AgentsForStage(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	var started []domain.AgentTask
	for _, a := range agents {
		if _, ok := r.agent(a.ID); !ok {
			continue
		}
		task, err := r.Start(ctx, a.ID, nil)
		if errors.Is(err, engine.ErrSlotOccupied) {
			continue
		}
		if err != nil {
			return started, fmt.Errorf("start %s: %w", a.ID, err)
		}
		started = append(started, task)
	}
	return started, nil
}

// Cancel records the cancellation first so a late result is discarded, then
// stops the agent.
func (r *Runner) Cancel(ctx context.Context, taskID string) (domain.AgentTask, error) {
	task, err := r.Engine.Cancel(ctx, taskID, ActorID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	r.mu.Lock()
	cancel, ok := r.running[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return task, nil
}

// Run wakes BLOCKED tasks and claims SPAWNED ones after each committed change
// until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		changed := r.Engine.Changes()
		woken, err := r.wakeBlocked(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wake blocked tasks: %w", err)
		}
		claimed, err := r.claimSpawned(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim spawned tasks: %w", err)
		}
		for _, task := range claimed {
			r.launch(ctx, task)
		}
		for _, task := range woken {
			r.launch(ctx, task)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-ticker.C:
		}
	}
}

// Wait blocks until every launched agent has reported.
func (r *Runner) Wait() {
	_ = r.group.Wait()
}

func (r *Runner) launch(ctx context.Context, task domain.AgentTask) {
	a, _ := r.agent(task.AgentID)
	taskCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[task.ID] = cancel
	r.mu.Unlock()
	r.group.Go(func() error {
		defer func() {
			r.mu.Lock()
			delete(r.running, task.ID)
			r.mu.Unlock()
			cancel()
		}()
		r.execute(taskCtx, task, a)
		return nil
	})
}

func (r *Runner) execute(ctx context.Context, task domain.AgentTask, a Agent) {
	log := r.Logger.With(zap.String("task_id", task.ID), zap.String("agent_id", task.AgentID))
	// Reports must land even when the agent's context is already cancelled.
	reportCtx := context.WithoutCancel(ctx)
	in, err := r.input(reportCtx, task)
	var out Output
	if err == nil {
		out, err = safeRun(ctx, a, in)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	report := engine.TaskReport{TaskID: task.ID, ActorID: ActorID}
	if err != nil {
		report.Status = domain.TaskFailed
		report.Failure = err.Error()
	} else {
		report.Status = domain.TaskSucceeded
		report.Output = &engine.AgentOutput{Kind: out.Kind, Payload: out.Payload, Metadata: out.Metadata}
	}
	final, rerr := r.Engine.Report(reportCtx, report)
	switch {
	case errors.Is(rerr, engine.ErrResultDiscarded):
		log.Debug("result of cancelled task discarded")
	case rerr != nil:
		log.Error("report task result", zap.Error(rerr))
	default:
		log.Info("task finished", zap.String("status", string(final.Status)))
	}
}

func (r *Runner) input(ctx context.Context, task domain.AgentTask) (Input, error) {
	st, ok := r.Engine.Config.Stage(task.Stage)
	if !ok {
		return Input{}, fmt.Errorf("stage %s missing from registry", task.Stage)
	}
	in := Input{Task: task, Stage: st, Lineage: make([]domain.Artifact, 0, len(task.Lineage))}
	for _, id := range task.Lineage {
		art, err := r.Engine.GetArtifact(ctx, id)
		if err != nil {
			return Input{}, fmt.Errorf("load lineage %s: %w", id, err)
		}
		in.Lineage = append(in.Lineage, art)
	}
	return in, nil
}

func safeRun(ctx context.Context, a Agent, in Input) (out Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent panic: %v", p)
		}
	}()
	return a.Run(ctx, in)
}
