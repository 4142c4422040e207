package fake_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/pool"
	"github.com/slok/conntask/internal/transport"
	"github.com/slok/conntask/internal/transport/fake"
)

func newReadyConn(t *testing.T, cfg fake.ConnectionConfig) *fake.Connection {
	t.Helper()

	c, err := fake.NewConnection(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Authenticate(context.Background(), cfg.Password))
	return c
}

func TestConnectionAuthentication(t *testing.T) {
	tests := map[string]struct {
		cfg        fake.ConnectionConfig
		connect    bool
		credential string
		expErr     bool
	}{
		"Authenticating without connecting should fail.": {
			cfg:    fake.ConnectionConfig{},
			expErr: true,
		},

		"Authenticating with a wrong password should fail.": {
			cfg:        fake.ConnectionConfig{Password: "secret"},
			connect:    true,
			credential: "wrong",
			expErr:     true,
		},

		"Authenticating with the right password should work.": {
			cfg:        fake.ConnectionConfig{Password: "secret"},
			connect:    true,
			credential: "secret",
		},

		"Any credential should be accepted without a configured password.": {
			cfg:        fake.ConnectionConfig{},
			connect:    true,
			credential: "whatever",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := fake.NewConnection(test.cfg)
			require.NoError(t, err)
			if test.connect {
				require.NoError(t, c.Connect(context.Background()))
			}

			err = c.Authenticate(context.Background(), test.credential)
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConnectError(t *testing.T) {
	errTest := errors.New("unreachable")
	c, err := fake.NewConnection(fake.ConnectionConfig{ConnectErr: errTest})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Connect(context.Background()), errTest)
}

func TestProtocolName(t *testing.T) {
	c, err := fake.NewConnection(fake.ConnectionConfig{})
	require.NoError(t, err)
	assert.Equal(t, fake.DefaultProtocol, c.ProtocolName())

	c, err = fake.NewConnection(fake.ConnectionConfig{Protocol: "SFTP"})
	require.NoError(t, err)
	assert.Equal(t, "SFTP", c.ProtocolName())
}

func TestTransfers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p, err := pool.New(pool.Config{Workers: 2})
	require.NoError(err)
	defer p.Stop()

	dir := t.TempDir()
	local := filepath.Join(dir, "in.txt")
	require.NoError(os.WriteFile(local, []byte("hello"), 0644))

	c := newReadyConn(t, fake.ConnectionConfig{Pool: p})

	_, err = c.UploadAsync(context.Background(), local, "/remote/in.txt").Wait(context.Background())
	require.NoError(err)
	data, ok := c.RemoteFile("/remote/in.txt")
	assert.True(ok)
	assert.Equal("hello", string(data))

	out := filepath.Join(dir, "sub", "out.txt")
	_, err = c.DownloadAsync(context.Background(), "/remote/in.txt", out).Wait(context.Background())
	require.NoError(err)
	got, err := os.ReadFile(out)
	require.NoError(err)
	assert.Equal("hello", string(got))

	_, err = c.DownloadAsync(context.Background(), "/missing", out).Wait(context.Background())
	assert.ErrorIs(err, os.ErrNotExist)
}

func TestTransfersNeedASession(t *testing.T) {
	c, err := fake.NewConnection(fake.ConnectionConfig{Files: map[string][]byte{"/a": []byte("a")}})
	require.NoError(t, err)

	err = c.Download(context.Background(), "/a", filepath.Join(t.TempDir(), "a"))
	assert.Error(t, err)
}

func TestExec(t *testing.T) {
	errTest := errors.New("whatever")

	tests := map[string]struct {
		command     string
		expExitCode int
		expStdout   string
		expErr      bool
	}{
		"A programmed command should return its result.": {
			command:     "uname",
			expExitCode: 0,
			expStdout:   "Linux\n",
		},

		"A programmed failing command should return its exit code.": {
			command:     "false",
			expExitCode: 1,
		},

		"An unknown command should exit with 127.": {
			command:     "nope",
			expExitCode: 127,
		},

		"A command execution error should fail.": {
			command: "broken",
			expErr:  true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			c := newReadyConn(t, fake.ConnectionConfig{Commands: map[string]fake.CommandResult{
				"uname":  {Stdout: "Linux\n"},
				"false":  {ExitCode: 1},
				"broken": {Err: errTest},
			}})

			var stdout bytes.Buffer
			code, err := c.Exec(context.Background(), test.command, transport.ExecOpts{Stdout: &stdout})
			if test.expErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(test.expExitCode, code)
			assert.Equal(test.expStdout, stdout.String())
			assert.Equal([]string{test.command}, c.Executed())
		})
	}
}

func TestAuthenticationErrorIsNotValid(t *testing.T) {
	c, err := fake.NewConnection(fake.ConnectionConfig{Password: "x"})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	assert.ErrorIs(t, c.Authenticate(context.Background(), "y"), model.ErrNotValid)
}
