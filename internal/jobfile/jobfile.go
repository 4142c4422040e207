// Package jobfile loads the YAML files that describe the connections and the
// operations a run dispatches.
package jobfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/utils/env"
)

// Supported connection protocols.
const (
	ProtocolSSH  = "ssh"
	ProtocolSFTP = "sftp"
	ProtocolFake = "fake"
)

var validate = validator.New()

// JobFile is a set of connections and the operations that run on them.
type JobFile struct {
	Connections []Connection `yaml:"connections" validate:"required,min=1,dive"`
	Operations  []Operation  `yaml:"operations" validate:"required,min=1,dive"`
}

// Connection describes how to reach and authenticate a remote endpoint.
type Connection struct {
	Name     string `yaml:"name" validate:"required"`
	Protocol string `yaml:"protocol" validate:"required,oneof=ssh sftp fake"`
	Host     string `yaml:"host" validate:"required_unless=Protocol fake"`
	Port     int    `yaml:"port" validate:"gte=0,lt=65536"`
	User     string `yaml:"user" validate:"required_unless=Protocol fake"`
	// PasswordEnv is the environment variable that has the password.
	PasswordEnv    string `yaml:"password_env"`
	PrivateKeyPath string `yaml:"private_key_path"`
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// Transfer is a file or directory copy between the local and the remote host.
type Transfer struct {
	Local  string `yaml:"local" validate:"required"`
	Remote string `yaml:"remote" validate:"required"`
}

// Operation is a single unit of work, only one of upload, download or exec is set.
type Operation struct {
	Connection string    `yaml:"connection" validate:"required"`
	Upload     *Transfer `yaml:"upload" validate:"omitempty"`
	Download   *Transfer `yaml:"download" validate:"omitempty"`
	Exec       string    `yaml:"exec"`
	// Env are KEY=VALUE (or KEY, from the local env) specs exported to exec commands.
	Env        []string  `yaml:"env"`
}

// Kind returns the kind of the operation ("upload", "download" or "exec").
func (o Operation) Kind() string {
	switch {
	case o.Upload != nil:
		return "upload"
	case o.Download != nil:
		return "download"
	case o.Exec != "":
		return "exec"
	}
	return ""
}

// Connection returns a connection by name.
func (j JobFile) Connection(name string) (Connection, bool) {
	for _, c := range j.Connections {
		if c.Name == name {
			return c, true
		}
	}
	return Connection{}, false
}

// Validate checks the job file is correct.
func (j JobFile) Validate() error {
	if err := validate.Struct(j); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, v := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %q", v.Namespace(), v.Tag()))
			}
			return fmt.Errorf("%s: %w", strings.Join(msgs, ", "), model.ErrNotValid)
		}
		return fmt.Errorf("%w: %w", err, model.ErrNotValid)
	}

	names := map[string]bool{}
	for _, c := range j.Connections {
		if names[c.Name] {
			return fmt.Errorf("connection %q is repeated: %w", c.Name, model.ErrNotValid)
		}
		names[c.Name] = true

		if c.Protocol != ProtocolFake && c.PasswordEnv == "" && c.PrivateKeyPath == "" {
			return fmt.Errorf("connection %q requires password_env or private_key_path: %w", c.Name, model.ErrNotValid)
		}
	}

	for i, o := range j.Operations {
		c, ok := j.Connection(o.Connection)
		if !ok {
			return fmt.Errorf("operation %d uses unknown connection %q: %w", i, o.Connection, model.ErrNotValid)
		}

		set := 0
		for _, b := range []bool{o.Upload != nil, o.Download != nil, o.Exec != ""} {
			if b {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("operation %d must have exactly one of upload, download or exec: %w", i, model.ErrNotValid)
		}

		switch {
		case o.Exec != "" && c.Protocol == ProtocolSFTP:
			return fmt.Errorf("operation %d: exec is not supported by sftp connections: %w", i, model.ErrNotValid)
		case len(o.Env) > 0 && o.Exec == "":
			return fmt.Errorf("operation %d: env is only supported by exec operations: %w", i, model.ErrNotValid)
		case o.Exec == "" && c.Protocol == ProtocolSSH:
			return fmt.Errorf("operation %d: %s is not supported by ssh connections: %w", i, o.Kind(), model.ErrNotValid)
		}

		if err := env.ValidateSpecs(o.Env); err != nil {
			return fmt.Errorf("operation %d: %w: %w", i, err, model.ErrNotValid)
		}
	}

	return nil
}

// Parse decodes and validates a job file.
func Parse(r io.Reader) (*JobFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var j JobFile
	if err := dec.Decode(&j); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("job file is empty: %w", model.ErrNotValid)
		}
		return nil, fmt.Errorf("could not decode job file: %w", err)
	}

	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job file: %w", err)
	}

	return &j, nil
}

// Load reads a job file from disk, "-" reads from stdin.
func Load(path string) (*JobFile, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read job file: %w", err)
	}

	return Parse(bytes.NewReader(data))
}
