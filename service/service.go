// Package service provides AgentService, the application-facing entry point
// joining the agent registry, the persistence stores and the orchestrating
// host. An AgentService is explicitly constructed and wired; there is no
// process-global instance.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devflowhq/devflow/agent"
	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/logging"
	"github.com/devflowhq/devflow/model"
	"github.com/devflowhq/devflow/store"
)

const apologyChunk = "Sorry, I could not find an agent able to handle this request."

// Options configures construction of an AgentService.
type Options struct {
	Agents   core.AgentStore
	Tasks    core.TaskStore
	Sessions core.SessionStore
	Logger   logging.Logger
	// HostOptions tunes the embedded host agent.
	HostOptions []func(o *agent.HostAgentOptions)
}

// AgentService is the top-level orchestration service: it owns one host
// agent, the persistence stores and a cache of instantiated agents. Remote
// agents found active in the store are registered with the host eagerly at
// construction; agents appearing later are picked up lazily by GetAgent.
type AgentService struct {
	host   *agent.HostAgent
	agents core.AgentStore
	tasks  core.TaskStore
	logger logging.Logger

	mu    sync.Mutex
	cache map[string]core.Agent

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New builds an AgentService around the generation model. Stores default to
// in-memory implementations.
func New(m model.Model, optFns ...func(o *Options)) (*AgentService, error) {
	opts := Options{
		Agents:   store.NewMemoryAgentStore(),
		Tasks:    store.NewMemoryTaskStore(),
		Sessions: store.NewMemorySessionStore(),
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	hostOpts := append([]func(o *agent.HostAgentOptions){
		func(o *agent.HostAgentOptions) {
			o.Sessions = opts.Sessions
			o.Tasks = opts.Tasks
			o.Logger = opts.Logger
		},
	}, opts.HostOptions...)

	host, err := agent.NewHostAgent(m, hostOpts...)
	if err != nil {
		return nil, err
	}

	s := &AgentService{
		host:   host,
		agents: opts.Agents,
		tasks:  opts.Tasks,
		logger: opts.Logger,
		cache:  make(map[string]core.Agent),
		closed: make(chan struct{}),
	}

	if err := s.registerStored(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Host returns the embedded host agent.
func (s *AgentService) Host() *agent.HostAgent { return s.host }

// registerStored wires every active remote agent from the store into the
// host registry. Individual failures deactivate the stored record instead of
// failing service construction.
func (s *AgentService) registerStored(ctx context.Context) error {
	descs, err := s.agents.List(ctx, true)
	if err != nil {
		return fmt.Errorf("list stored agents: %w", err)
	}
	for _, desc := range descs {
		if !desc.Remote {
			continue
		}
		if !s.host.RegisterRemoteAgent(desc) {
			s.logger.Warn("deactivating stored agent %s: registration failed", desc.Name)
			desc.Active = false
			if _, err := s.agents.Upsert(ctx, desc); err != nil {
				s.logger.Error("failed to deactivate agent %s: %v", desc.Name, err)
			}
		}
	}
	return nil
}

// RegisterAgent stores the descriptor as active and, for remote agents,
// mirrors it into the host registry. A host registration failure rolls the
// stored record back to inactive and reports the failure.
func (s *AgentService) RegisterAgent(ctx context.Context, desc *core.AgentDescriptor) (*core.AgentDescriptor, error) {
	desc.Active = true
	stored, err := s.agents.Upsert(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("store agent %s: %w", desc.Name, err)
	}

	if stored.Remote && !s.host.RegisterRemoteAgent(stored) {
		stored.Active = false
		if _, rbErr := s.agents.Upsert(ctx, stored); rbErr != nil {
			s.logger.Error("rollback of agent %s failed: %v", stored.Name, rbErr)
		}
		return nil, fmt.Errorf("register agent %s with host failed", stored.Name)
	}

	s.mu.Lock()
	delete(s.cache, stored.ID)
	delete(s.cache, stored.Name)
	s.mu.Unlock()
	return stored, nil
}

// UnregisterAgent soft-deletes the agent: the stored record is deactivated,
// the host registry entry and the cached instance are dropped. The record
// itself stays for audit.
func (s *AgentService) UnregisterAgent(ctx context.Context, id string) error {
	desc, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}

	desc.Active = false
	if _, err := s.agents.Upsert(ctx, desc); err != nil {
		return fmt.Errorf("deactivate agent %s: %w", desc.Name, err)
	}
	s.host.UnregisterRemoteAgent(desc.Name)

	s.mu.Lock()
	delete(s.cache, desc.ID)
	delete(s.cache, desc.Name)
	s.mu.Unlock()
	return nil
}

// ListAgents returns the active descriptors from the store.
func (s *AgentService) ListAgents(ctx context.Context) ([]*core.AgentDescriptor, error) {
	return s.agents.List(ctx, true)
}

// GetAgent resolves an agent by id or name. Resolution order: the cache,
// the host's own identity, then the store — store hits instantiate the
// agent on demand and, for remote ones, register the connection with the
// host so routing sees it too.
func (s *AgentService) GetAgent(ctx context.Context, id string) (core.Agent, error) {
	s.mu.Lock()
	if a, ok := s.cache[id]; ok {
		s.mu.Unlock()
		return a, nil
	}
	s.mu.Unlock()

	if id == s.host.Name() {
		return s.host, nil
	}

	desc, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !desc.Active {
		return nil, fmt.Errorf("agent %s is inactive: %w", desc.Name, core.ErrNotFound)
	}

	a, err := s.instantiate(desc)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[desc.ID] = a
	s.cache[desc.Name] = a
	s.mu.Unlock()
	return a, nil
}

func (s *AgentService) lookup(ctx context.Context, id string) (*core.AgentDescriptor, error) {
	desc, err := s.agents.Get(ctx, id)
	if err == nil {
		return desc, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	return s.agents.GetByName(ctx, id)
}

func (s *AgentService) instantiate(desc *core.AgentDescriptor) (core.Agent, error) {
	if desc.Remote {
		// Lazy pickup: make the host aware of the agent as well.
		s.host.RegisterRemoteAgent(desc)
		ra, err := agent.NewRemoteAgent(desc, func(o *agent.RemoteAgentOptions) {
			o.Logger = s.logger
		})
		if err != nil {
			return nil, err
		}
		return ra, nil
	}
	return nil, fmt.Errorf("agent %s has no runnable backend: %w", desc.Name, core.ErrNotFound)
}

// ProcessMessage is the streaming entry point. The message's metadata may
// name a specific agent under "agent"; otherwise the host routes. A
// bookkeeping task is persisted before dispatch and completed or failed
// after the stream drains. Routing failures produce a single apology chunk,
// never an error across the streaming boundary.
func (s *AgentService) ProcessMessage(ctx context.Context, msg core.Message) (<-chan string, <-chan error, error) {
	select {
	case <-s.closed:
		return nil, nil, fmt.Errorf("service is closed")
	default:
	}

	target := s.resolveTarget(ctx, msg)
	if target == nil {
		chunkCh := make(chan string, 1)
		errCh := make(chan error, 1)
		chunkCh <- apologyChunk
		close(chunkCh)
		close(errCh)
		return chunkCh, errCh, nil
	}

	task := core.NewTask(target.Name(), msg.ID, msg.ConversationID)
	if err := s.tasks.Save(ctx, task); err != nil {
		s.logger.Error("failed to persist task %s: %v", task.ID, err)
	}

	chunks, errs, err := target.ProcessMessage(ctx, msg)
	if err != nil {
		s.failTask(ctx, task, err)
		return nil, nil, err
	}

	outCh := make(chan string)
	outErrCh := make(chan error, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(outCh)
		defer close(outErrCh)

		start := time.Now()
		for chunk := range chunks {
			select {
			case outCh <- chunk:
			case <-ctx.Done():
				s.failTask(ctx, task, ctx.Err())
				outErrCh <- ctx.Err()
				return
			}
		}
		if err := <-errs; err != nil {
			s.failTask(ctx, task, err)
			outErrCh <- err
			return
		}
		s.completeTask(ctx, task)
		s.logger.Debug("message %s handled by %s in %s", msg.ID, target.Name(), time.Since(start))
	}()

	return outCh, outErrCh, nil
}

// resolveTarget picks the agent for the message: an explicit metadata
// reference wins, otherwise the host routes.
func (s *AgentService) resolveTarget(ctx context.Context, msg core.Message) core.Agent {
	name, _ := msg.Metadata["agent"].(string)
	if name == "" {
		return s.host
	}
	a, err := s.GetAgent(ctx, name)
	if err != nil {
		s.logger.Warn("no agent resolvable for %q: %v", name, err)
		return nil
	}
	return a
}

func (s *AgentService) completeTask(ctx context.Context, task *core.Task) {
	if task.State == core.TaskStateSubmitted {
		if err := task.Transition(core.TaskStateWorking); err != nil {
			return
		}
	}
	if err := task.Transition(core.TaskStateCompleted); err != nil {
		return
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		s.logger.Error("failed to persist task %s: %v", task.ID, err)
	}
}

func (s *AgentService) failTask(ctx context.Context, task *core.Task, cause error) {
	if task.State.Terminal() {
		return
	}
	task.SetMeta("error", cause.Error())
	if err := task.Transition(core.TaskStateFailed); err != nil {
		return
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		s.logger.Error("failed to persist task %s: %v", task.ID, err)
	}
}

// Close stops accepting messages and waits for in-flight streams to drain.
// Safe to call more than once, including concurrently.
func (s *AgentService) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.wg.Wait()
	return nil
}
