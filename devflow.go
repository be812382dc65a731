// Package devflow provides a high-level façade over the orchestration
// service (host agent, remote connections, stores & logging) enabling rapid
// construction of multi-agent task systems. Most applications interact with
// this package by:
//  1. Creating a Devflow via New() (optionally overriding default in-memory
//     stores or loading a YAML configuration)
//  2. Registering one or more remote agents
//  3. Streaming user messages through ProcessMessage
//
// The façade delegates orchestration to service.AgentService while keeping
// setup ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply the SQLite stores and a
// structured logger.
package devflow

import (
	"context"
	"fmt"

	"github.com/devflowhq/devflow/agent"
	"github.com/devflowhq/devflow/config"
	"github.com/devflowhq/devflow/core"
	"github.com/devflowhq/devflow/logging"
	"github.com/devflowhq/devflow/model"
	"github.com/devflowhq/devflow/remote"
	"github.com/devflowhq/devflow/service"
	"github.com/devflowhq/devflow/store"
)

// Options configures the Devflow instance.
type Options struct {
	// Config applies a loaded YAML configuration: host identity, connection
	// tuning, database path and statically declared agents. Nil means
	// defaults.
	Config *config.Config

	// Stores (default to in-memory implementations if not provided; a
	// configured database path switches the defaults to SQLite).
	Agents   core.AgentStore
	Tasks    core.TaskStore
	Sessions core.SessionStore

	// Logger (defaults to a NoOp logger if nil).
	Logger logging.Logger
}

// Devflow is the high-level façade aggregating the orchestration service and
// its stores.
type Devflow struct {
	cfg     *config.Config
	service *service.AgentService
	db      *store.DB
}

// New creates a Devflow instance around the generation model, with optional
// overrides. Any unset store is initialized per the configuration: SQLite
// when a database path is configured, in-memory otherwise.
func New(m model.Model, optFns ...func(o *Options)) (*Devflow, error) {
	opts := Options{Config: config.Default()}
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	var db *store.DB
	if cfg.Database.Path != "" && (opts.Agents == nil || opts.Tasks == nil || opts.Sessions == nil) {
		var err error
		db, err = store.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		if opts.Agents == nil {
			opts.Agents = db.Agents()
		}
		if opts.Tasks == nil {
			opts.Tasks = db.Tasks()
		}
		if opts.Sessions == nil {
			opts.Sessions = db.Sessions()
		}
	}
	if opts.Agents == nil {
		opts.Agents = store.NewMemoryAgentStore()
	}
	if opts.Tasks == nil {
		opts.Tasks = store.NewMemoryTaskStore()
	}
	if opts.Sessions == nil {
		opts.Sessions = store.NewMemorySessionStore()
	}

	svc, err := service.New(m, func(o *service.Options) {
		o.Agents = opts.Agents
		o.Tasks = opts.Tasks
		o.Sessions = opts.Sessions
		o.Logger = opts.Logger
		o.HostOptions = []func(ho *agent.HostAgentOptions){
			func(ho *agent.HostAgentOptions) {
				if cfg.Host.Name != "" {
					ho.Name = cfg.Host.Name
				}
				if cfg.Host.Description != "" {
					ho.Description = cfg.Host.Description
				}
				ho.Instruction = cfg.Host.Instruction
				ho.ConnectionConfig = remote.ConnectionConfig{
					Timeout:    cfg.Connection.Timeout.Std(),
					Retries:    cfg.Connection.Retries,
					RetryDelay: cfg.Connection.RetryDelay.Std(),
				}
			},
		}
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	d := &Devflow{cfg: cfg, service: svc, db: db}
	if err := d.registerConfigured(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// registerConfigured registers the agents declared in the configuration.
func (d *Devflow) registerConfigured(ctx context.Context) error {
	for _, a := range d.cfg.Agents {
		desc := core.NewAgentDescriptor(a.Name, a.Description)
		desc.Remote = true
		desc.URL = a.URL
		desc.Capabilities = a.Capabilities
		if _, err := d.service.RegisterAgent(ctx, desc); err != nil {
			return fmt.Errorf("register configured agent %s: %w", a.Name, err)
		}
	}
	return nil
}

// Service returns the underlying orchestration service.
func (d *Devflow) Service() *service.AgentService { return d.service }

// Host returns the orchestrating host agent.
func (d *Devflow) Host() *agent.HostAgent { return d.service.Host() }

// RegisterAgent registers a remote agent with the service and the host.
func (d *Devflow) RegisterAgent(ctx context.Context, desc *core.AgentDescriptor) (*core.AgentDescriptor, error) {
	return d.service.RegisterAgent(ctx, desc)
}

// ProcessMessage streams a user message through the orchestration service.
func (d *Devflow) ProcessMessage(ctx context.Context, msg core.Message) (<-chan string, <-chan error, error) {
	return d.service.ProcessMessage(ctx, msg)
}

// ProcessMessageSync processes a message and returns the concatenated
// response once the stream has drained.
func (d *Devflow) ProcessMessageSync(ctx context.Context, msg core.Message) (string, error) {
	chunks, errs, err := d.service.ProcessMessage(ctx, msg)
	if err != nil {
		return "", err
	}
	var full string
	for chunk := range chunks {
		full += chunk
	}
	if err := <-errs; err != nil {
		return "", err
	}
	return full, nil
}

// Close drains in-flight streams and releases the database handle, if any.
func (d *Devflow) Close() error {
	err := d.service.Close()
	if d.db != nil {
		if dbErr := d.db.Close(); err == nil {
			err = dbErr
		}
	}
	return err
}
