// Package run has the service that runs the operations of a job file, every
// operation is dispatched as a tracked task.
package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/slok/conntask/internal/dispatch"
	"github.com/slok/conntask/internal/jobfile"
	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/transport"
	"github.com/slok/conntask/internal/utils/env"
)

// CredentialResolver returns the credential used to authenticate a connection.
type CredentialResolver func(c jobfile.Connection) (string, error)

// EnvCredentials resolves the password from the connection password environment variable.
func EnvCredentials(c jobfile.Connection) (string, error) {
	if c.PasswordEnv == "" {
		return "", nil
	}
	v, ok := os.LookupEnv(c.PasswordEnv)
	if !ok {
		return "", fmt.Errorf("password env var %q of connection %q is not set: %w", c.PasswordEnv, c.Name, model.ErrNotValid)
	}
	return v, nil
}

// ServiceConfig is the configuration for the run service.
type ServiceConfig struct {
	Dispatcher  *dispatch.Dispatcher
	Factory     ConnectionFactory
	Credentials CredentialResolver
	Logger      log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Dispatcher == nil {
		return fmt.Errorf("dispatcher is required")
	}
	if c.Factory == nil {
		return fmt.Errorf("connection factory is required")
	}
	if c.Credentials == nil {
		c.Credentials = EnvCredentials
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Run"})
	return nil
}

// Service runs job file operations through the dispatcher.
type Service struct {
	dispatcher  *dispatch.Dispatcher
	factory     ConnectionFactory
	credentials CredentialResolver
	logger      log.Logger
}

// NewService creates a new run service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		dispatcher:  cfg.Dispatcher,
		factory:     cfg.Factory,
		credentials: cfg.Credentials,
		logger:      cfg.Logger,
	}, nil
}

// Request contains the parameters for a run.
type Request struct {
	Job *jobfile.JobFile
}

// Result is the outcome of one operation.
type Result struct {
	Operation jobfile.Operation
	Task      model.TaskInfo
	// Output is the combined output of exec operations.
	Output string
	// Err is the error surfaced by the task handle.
	Err error
}

// Response is the outcome of a run, results keep the job file operation order.
type Response struct {
	RunID   string
	Results []Result
}

// Failed returns the number of failed operations.
func (r Response) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil || res.Task.Failed() {
			n++
		}
	}
	return n
}

type waitFunc func(ctx context.Context) (model.TaskID, string, error)

// Run connects to every connection used by the job, dispatches all the operations
// and waits for them. Operation failures don't fail the run, they are on the results.
func (s *Service) Run(ctx context.Context, req Request) (*Response, error) {
	// 1. Validate the job.
	if req.Job == nil {
		return nil, fmt.Errorf("job is required: %w", model.ErrNotValid)
	}
	if err := req.Job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}

	// 2. Open the connections, each one is connected and authenticated once for the whole run.
	conns, err := s.openConnections(ctx, req.Job)
	defer s.closeConnections(conns)
	if err != nil {
		return nil, err
	}

	// 3. Check every operation can run on its connection before dispatching anything.
	envs := make([]map[string]string, len(req.Job.Operations))
	for i, op := range req.Job.Operations {
		if err := capable(conns[op.Connection], op); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		envs[i], err = env.ParseSpecs(op.Env)
		if err != nil {
			return nil, fmt.Errorf("operation %d: invalid env: %w: %w", i, err, model.ErrNotValid)
		}
	}

	// 4. Dispatch all operations.
	waits := make([]waitFunc, 0, len(req.Job.Operations))
	for i, op := range req.Job.Operations {
		w, err := s.dispatch(ctx, conns[op.Connection], op, envs[i])
		if err != nil {
			return nil, err
		}
		waits = append(waits, w)
	}

	// 5. Wait for all of them.
	results := make([]Result, len(req.Job.Operations))
	var g errgroup.Group
	for i, wait := range waits {
		g.Go(func() error {
			id, output, opErr := wait(ctx)
			if errors.Is(opErr, context.Canceled) || errors.Is(opErr, context.DeadlineExceeded) {
				return opErr
			}

			res := Result{Operation: req.Job.Operations[i], Output: output, Err: opErr}
			if id != 0 {
				task, err := s.dispatcher.Registry().Get(id)
				if err != nil {
					return fmt.Errorf("could not get task %d: %w", id, err)
				}
				res.Task = task
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("could not wait for operations: %w", err)
	}

	resp := &Response{RunID: s.dispatcher.Registry().RunID(), Results: results}
	s.logger.Infof("Run finished with %d operations (%d failed)", len(results), resp.Failed())

	return resp, nil
}

func (s *Service) openConnections(ctx context.Context, job *jobfile.JobFile) (map[string]transport.Connection, error) {
	used := map[string]bool{}
	for _, op := range job.Operations {
		used[op.Connection] = true
	}

	conns := map[string]transport.Connection{}
	for _, c := range job.Connections {
		if !used[c.Name] {
			continue
		}

		credential, err := s.credentials(c)
		if err != nil {
			return conns, fmt.Errorf("could not resolve credentials: %w", err)
		}

		conn, err := s.factory.NewConnection(c)
		if err != nil {
			return conns, fmt.Errorf("could not create connection %q: %w", c.Name, err)
		}

		if err := conn.Connect(ctx); err != nil {
			return conns, fmt.Errorf("could not connect %q: %w", c.Name, err)
		}
		conns[c.Name] = conn

		if err := conn.Authenticate(ctx, credential); err != nil {
			return conns, fmt.Errorf("could not authenticate %q: %w", c.Name, err)
		}
		s.logger.Debugf("Connection %q ready (%s)", c.Name, conn.ProtocolName())
	}

	return conns, nil
}

func (s *Service) closeConnections(conns map[string]transport.Connection) {
	for name, conn := range conns {
		if err := conn.Disconnect(); err != nil {
			s.logger.Warningf("Could not disconnect %q: %s", name, err)
		}
	}
}

func capable(conn transport.Connection, op jobfile.Operation) error {
	switch op.Kind() {
	case "upload", "download":
		if _, ok := conn.(transport.Transferer); !ok {
			return fmt.Errorf("connection %q (%s) can't transfer files: %w", op.Connection, conn.ProtocolName(), model.ErrNotValid)
		}
	case "exec":
		if _, ok := conn.(transport.Executor); !ok {
			return fmt.Errorf("connection %q (%s) can't execute commands: %w", op.Connection, conn.ProtocolName(), model.ErrNotValid)
		}
	default:
		return fmt.Errorf("operation on %q has nothing to do: %w", op.Connection, model.ErrNotValid)
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, conn transport.Connection, op jobfile.Operation, opEnv map[string]string) (waitFunc, error) {
	switch {
	case op.Upload != nil, op.Download != nil:
		tr, ok := conn.(transport.Transferer)
		if !ok {
			return nil, fmt.Errorf("connection %q (%s) can't transfer files: %w", op.Connection, conn.ProtocolName(), model.ErrNotValid)
		}

		var h *dispatch.Handle[struct{}]
		if op.Upload != nil {
			h = dispatch.SubmitVoid(ctx, s.dispatcher, tr, func(ctx context.Context) error {
				return tr.Upload(ctx, op.Upload.Local, op.Upload.Remote)
			})
		} else {
			h = dispatch.SubmitVoid(ctx, s.dispatcher, tr, func(ctx context.Context) error {
				return tr.Download(ctx, op.Download.Remote, op.Download.Local)
			})
		}

		return func(ctx context.Context) (model.TaskID, string, error) {
			_, err := h.Wait(ctx)
			return handleID(ctx, h), "", err
		}, nil

	case op.Exec != "":
		ex, ok := conn.(transport.Executor)
		if !ok {
			return nil, fmt.Errorf("connection %q (%s) can't execute commands: %w", op.Connection, conn.ProtocolName(), model.ErrNotValid)
		}

		// Transports may write stdout and stderr from different goroutines. The output
		// is read from here instead of the handle value so failed commands keep it.
		out := &outputBuffer{}
		h := dispatch.Submit(ctx, s.dispatcher, ex, func(ctx context.Context) (string, error) {
			exitCode, err := ex.Exec(ctx, op.Exec, transport.ExecOpts{Stdout: out, Stderr: out, Env: opEnv})
			if err != nil {
				return out.String(), err
			}
			if exitCode != 0 {
				return out.String(), fmt.Errorf("command %q exited with code %d", op.Exec, exitCode)
			}
			return out.String(), nil
		})

		return func(ctx context.Context) (model.TaskID, string, error) {
			_, err := h.Wait(ctx)
			return handleID(ctx, h), out.String(), err
		}, nil
	}

	return nil, fmt.Errorf("operation on %q has nothing to do: %w", op.Connection, model.ErrNotValid)
}

// outputBuffer is a bytes.Buffer safe for concurrent writers.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// handleID returns the task ID of a finished handle, 0 if it was never registered.
func handleID[T any](ctx context.Context, h *dispatch.Handle[T]) model.TaskID {
	id, err := h.TaskID(ctx)
	if err != nil {
		return 0
	}
	return id
}
