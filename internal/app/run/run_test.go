package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/conntask/internal/dispatch"
	"github.com/slok/conntask/internal/jobfile"
	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/pool"
	"github.com/slok/conntask/internal/registry"
	"github.com/slok/conntask/internal/transport"
	"github.com/slok/conntask/internal/transport/fake"
	"github.com/slok/conntask/internal/transport/sshtest"
)

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()

	p, err := pool.New(pool.Config{Workers: 4})
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)

	d, err := dispatch.New(dispatch.Config{Pool: p, Registry: reg})
	require.NoError(t, err)

	return d
}

func fakeFactory(conns map[string]*fake.Connection) ConnectionFactory {
	return ConnectionFactoryFunc(func(c jobfile.Connection) (transport.Connection, error) {
		conn, ok := conns[c.Name]
		if !ok {
			return nil, fmt.Errorf("unknown connection %q", c.Name)
		}
		return conn, nil
	})
}

func newFake(t *testing.T, cfg fake.ConnectionConfig) *fake.Connection {
	t.Helper()
	conn, err := fake.NewConnection(cfg)
	require.NoError(t, err)
	return conn
}

func TestNewService(t *testing.T) {
	tests := map[string]struct {
		cfg    ServiceConfig
		expErr bool
	}{
		"Valid configuration should create service successfully": {
			cfg: ServiceConfig{
				Dispatcher: newTestDispatcher(t),
				Factory:    fakeFactory(nil),
				Logger:     log.Noop,
			},
		},

		"Missing dispatcher should fail": {
			cfg: ServiceConfig{
				Factory: fakeFactory(nil),
			},
			expErr: true,
		},

		"Missing factory should fail": {
			cfg: ServiceConfig{
				Dispatcher: newTestDispatcher(t),
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			svc, err := NewService(test.cfg)

			if test.expErr {
				assert.Error(err)
				assert.Nil(svc)
			} else {
				assert.NoError(err)
				assert.NotNil(svc)
			}
		})
	}
}

func TestServiceRun(t *testing.T) {
	tests := map[string]struct {
		conns      func(t *testing.T) map[string]*fake.Connection
		job        *jobfile.JobFile
		creds      CredentialResolver
		expErr     bool
		expResults func(t *testing.T, resp *Response)
	}{
		"Missing job should fail.": {
			conns:  func(t *testing.T) map[string]*fake.Connection { return nil },
			expErr: true,
		},

		"Credential errors should fail the run.": {
			conns: func(t *testing.T) map[string]*fake.Connection {
				return map[string]*fake.Connection{"a": newFake(t, fake.ConnectionConfig{})}
			},
			job: &jobfile.JobFile{
				Connections: []jobfile.Connection{{Name: "a", Protocol: "fake"}},
				Operations:  []jobfile.Operation{{Connection: "a", Exec: "ls"}},
			},
			creds:  func(jobfile.Connection) (string, error) { return "", fmt.Errorf("something") },
			expErr: true,
		},

		"Connect errors should fail the run.": {
			conns: func(t *testing.T) map[string]*fake.Connection {
				return map[string]*fake.Connection{"a": newFake(t, fake.ConnectionConfig{ConnectErr: fmt.Errorf("refused")})}
			},
			job: &jobfile.JobFile{
				Connections: []jobfile.Connection{{Name: "a", Protocol: "fake"}},
				Operations:  []jobfile.Operation{{Connection: "a", Exec: "ls"}},
			},
			expErr: true,
		},

		"Authentication errors should fail the run.": {
			conns: func(t *testing.T) map[string]*fake.Connection {
				return map[string]*fake.Connection{"a": newFake(t, fake.ConnectionConfig{Password: "good"})}
			},
			job: &jobfile.JobFile{
				Connections: []jobfile.Connection{{Name: "a", Protocol: "fake"}},
				Operations:  []jobfile.Operation{{Connection: "a", Exec: "ls"}},
			},
			creds:  func(jobfile.Connection) (string, error) { return "bad", nil },
			expErr: true,
		},

		"Successful and failed operations should be on the results in order.": {
			conns: func(t *testing.T) map[string]*fake.Connection {
				return map[string]*fake.Connection{
					"a": newFake(t, fake.ConnectionConfig{
						Protocol: "SSH",
						Commands: map[string]fake.CommandResult{
							"echo hi": {Stdout: "hi\n"},
							"false":   {ExitCode: 1},
							"broken":  {Stdout: "some diagnostics\n", Stderr: "bad things\n", ExitCode: 2},
						},
					}),
					"b": newFake(t, fake.ConnectionConfig{
						Protocol: "SFTP",
						Files:    map[string][]byte{"/remote/file": []byte("data")},
					}),
				}
			},
			job: &jobfile.JobFile{
				Connections: []jobfile.Connection{
					{Name: "a", Protocol: "fake"},
					{Name: "b", Protocol: "fake"},
					{Name: "unused", Protocol: "fake"},
				},
				Operations: []jobfile.Operation{
					{Connection: "a", Exec: "echo hi"},
					{Connection: "a", Exec: "false"},
					{Connection: "b", Download: &jobfile.Transfer{Remote: "/remote/file", Local: "OUT"}},
					{Connection: "b", Download: &jobfile.Transfer{Remote: "/remote/missing", Local: "OUT2"}},
					{Connection: "a", Exec: "broken"},
				},
			},
			expResults: func(t *testing.T, resp *Response) {
				assert := assert.New(t)
				require := require.New(t)

				require.Len(resp.Results, 5)
				assert.NotEmpty(resp.RunID)
				assert.Equal(3, resp.Failed())

				r := resp.Results[0]
				assert.NoError(r.Err)
				assert.Equal("hi\n", r.Output)
				assert.Equal("SSH", r.Task.Protocol)
				assert.Equal(model.TaskStatusSucceeded, r.Task.Status)
				assert.True(r.Task.Completed)
				assert.Nil(r.Task.ErrorMessage)

				r = resp.Results[1]
				var opErr *model.OperationError
				require.ErrorAs(r.Err, &opErr)
				assert.Equal(r.Task.ID, opErr.TaskID)
				assert.Equal(model.TaskStatusFailed, r.Task.Status)
				require.NotNil(r.Task.ErrorMessage)
				assert.Contains(*r.Task.ErrorMessage, "exited with code 1")

				r = resp.Results[2]
				assert.NoError(r.Err)
				assert.Equal("SFTP", r.Task.Protocol)
				assert.Equal(model.TaskStatusSucceeded, r.Task.Status)

				r = resp.Results[3]
				assert.ErrorIs(r.Err, os.ErrNotExist)
				assert.Equal(model.TaskStatusFailed, r.Task.Status)

				// Failed commands keep their output.
				r = resp.Results[4]
				assert.Error(r.Err)
				assert.Equal("some diagnostics\nbad things\n", r.Output)
				assert.Equal(model.TaskStatusFailed, r.Task.Status)

				ids := map[model.TaskID]bool{}
				for _, r := range resp.Results {
					ids[r.Task.ID] = true
				}
				assert.Len(ids, 5)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			// Download destinations are relative to a temp dir.
			dir := t.TempDir()
			if test.job != nil {
				for i, op := range test.job.Operations {
					if op.Download != nil {
						d := *op.Download
						d.Local = filepath.Join(dir, d.Local)
						test.job.Operations[i].Download = &d
					}
				}
			}

			svc, err := NewService(ServiceConfig{
				Dispatcher:  newTestDispatcher(t),
				Factory:     fakeFactory(test.conns(t)),
				Credentials: test.creds,
			})
			require.NoError(err)

			resp, err := svc.Run(context.TODO(), Request{Job: test.job})

			if test.expErr {
				assert.Error(err)
				return
			}
			require.NoError(err)
			test.expResults(t, resp)
		})
	}
}

func TestServiceRunDisconnects(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	conn := newFake(t, fake.ConnectionConfig{Commands: map[string]fake.CommandResult{"true": {}}})

	svc, err := NewService(ServiceConfig{
		Dispatcher: newTestDispatcher(t),
		Factory:    fakeFactory(map[string]*fake.Connection{"a": conn}),
	})
	require.NoError(err)

	resp, err := svc.Run(context.TODO(), Request{Job: &jobfile.JobFile{
		Connections: []jobfile.Connection{{Name: "a", Protocol: "fake"}},
		Operations:  []jobfile.Operation{{Connection: "a", Exec: "true"}},
	}})
	require.NoError(err)
	assert.Equal(0, resp.Failed())
	assert.Equal([]string{"true"}, conn.Executed())

	// Disconnected connections don't accept work.
	_, err = conn.Exec(context.TODO(), "true", transport.ExecOpts{})
	assert.Error(err)
}

func TestServiceRunEnv(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	t.Setenv("CONNTASK_TEST_LOCAL", "local")
	conn := newFake(t, fake.ConnectionConfig{})

	svc, err := NewService(ServiceConfig{
		Dispatcher: newTestDispatcher(t),
		Factory:    fakeFactory(map[string]*fake.Connection{"a": conn}),
	})
	require.NoError(err)

	_, err = svc.Run(context.TODO(), Request{Job: &jobfile.JobFile{
		Connections: []jobfile.Connection{{Name: "a", Protocol: "fake"}},
		Operations:  []jobfile.Operation{{Connection: "a", Exec: "env", Env: []string{"B=2", "CONNTASK_TEST_LOCAL"}}},
	}})
	require.NoError(err)
	assert.Equal([]string{"export B='2'; export CONNTASK_TEST_LOCAL='local'; env"}, conn.Executed())

	// Missing local env vars fail the run before dispatching anything.
	_, err = svc.Run(context.TODO(), Request{Job: &jobfile.JobFile{
		Connections: []jobfile.Connection{{Name: "a", Protocol: "fake"}},
		Operations: []jobfile.Operation{
			{Connection: "a", Exec: "true"},
			{Connection: "a", Exec: "env", Env: []string{"CONNTASK_TEST_MISSING"}},
		},
	}})
	assert.ErrorIs(err, model.ErrNotValid)
	assert.Len(conn.Executed(), 1)
}

func TestServiceRunOverSSH(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	remoteRoot := t.TempDir()
	server, err := sshtest.NewServer(sshtest.ServerConfig{User: "root", Password: "s3cret", SFTPRoot: remoteRoot})
	require.NoError(err)
	defer server.Close()

	localDir := t.TempDir()
	src := filepath.Join(localDir, "a.txt")
	require.NoError(os.WriteFile(src, []byte("over the wire"), 0644))

	factory, err := NewConnectionFactory(FactoryConfig{DefaultPrivateKeyPath: filepath.Join(localDir, "missing_key")})
	require.NoError(err)

	svc, err := NewService(ServiceConfig{
		Dispatcher:  newTestDispatcher(t),
		Factory:     factory,
		Credentials: func(jobfile.Connection) (string, error) { return "s3cret", nil },
	})
	require.NoError(err)

	job := &jobfile.JobFile{
		Connections: []jobfile.Connection{
			{Name: "shell", Protocol: "ssh", Host: server.Host(), Port: server.Port(), User: "root", PasswordEnv: "X"},
			{Name: "files", Protocol: "sftp", Host: server.Host(), Port: server.Port(), User: "root", PasswordEnv: "X"},
		},
		Operations: []jobfile.Operation{
			{Connection: "shell", Exec: "echo $GREETING", Env: []string{"GREETING=remote"}},
			{Connection: "files", Upload: &jobfile.Transfer{Local: src, Remote: filepath.Join(remoteRoot, "a.txt")}},
			{Connection: "shell", Exec: "for i in 1 2 3 4 5 6 7 8; do echo out$i; echo err$i >&2; done; exit 3"},
		},
	}

	resp, err := svc.Run(context.TODO(), Request{Job: job})
	require.NoError(err)
	require.Len(resp.Results, 3)

	assert.NoError(resp.Results[0].Err)
	assert.Equal("remote\n", resp.Results[0].Output)
	assert.Equal("SSH", resp.Results[0].Task.Protocol)

	assert.NoError(resp.Results[1].Err)
	assert.Equal("SFTP", resp.Results[1].Task.Protocol)

	// Stdout and stderr arrive from different goroutines, both end on the output of the failed command.
	assert.Error(resp.Results[2].Err)
	assert.Equal(model.TaskStatusFailed, resp.Results[2].Task.Status)
	for i := 1; i <= 8; i++ {
		assert.Contains(resp.Results[2].Output, fmt.Sprintf("out%d\n", i))
		assert.Contains(resp.Results[2].Output, fmt.Sprintf("err%d\n", i))
	}

	got, err := os.ReadFile(filepath.Join(remoteRoot, "a.txt"))
	require.NoError(err)
	assert.Equal("over the wire", string(got))
}

func TestEnvCredentials(t *testing.T) {
	assert := assert.New(t)

	t.Setenv("CONNTASK_TEST_PASSWORD", "s3cret")

	got, err := EnvCredentials(jobfile.Connection{PasswordEnv: "CONNTASK_TEST_PASSWORD"})
	assert.NoError(err)
	assert.Equal("s3cret", got)

	got, err = EnvCredentials(jobfile.Connection{})
	assert.NoError(err)
	assert.Equal("", got)

	_, err = EnvCredentials(jobfile.Connection{Name: "x", PasswordEnv: "CONNTASK_TEST_MISSING_PASSWORD"})
	assert.ErrorIs(err, model.ErrNotValid)
}
