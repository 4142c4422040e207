package run

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/slok/conntask/internal/jobfile"
	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/transport"
	"github.com/slok/conntask/internal/transport/fake"
	"github.com/slok/conntask/internal/transport/sftp"
	"github.com/slok/conntask/internal/transport/ssh"
)

// ConnectionFactory knows how to create transport connections.
type ConnectionFactory interface {
	NewConnection(c jobfile.Connection) (transport.Connection, error)
}

// ConnectionFactoryFunc is a helper to create ConnectionFactory from functions.
type ConnectionFactoryFunc func(c jobfile.Connection) (transport.Connection, error)

func (f ConnectionFactoryFunc) NewConnection(c jobfile.Connection) (transport.Connection, error) {
	return f(c)
}

// FactoryConfig is the configuration of the default connection factory.
type FactoryConfig struct {
	// DefaultPrivateKeyPath is used by connections without a private key, ignored when missing.
	DefaultPrivateKeyPath string
	Logger                log.Logger
}

func (c *FactoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	return nil
}

type factory struct {
	defaultKeyPath string
	logger         log.Logger
}

// NewConnectionFactory returns the factory of the ssh, sftp and fake transports.
func NewConnectionFactory(cfg FactoryConfig) (ConnectionFactory, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return factory{defaultKeyPath: cfg.DefaultPrivateKeyPath, logger: cfg.Logger}, nil
}

func (f factory) NewConnection(c jobfile.Connection) (transport.Connection, error) {
	logger := f.logger.WithValues(log.Kv{"connection": c.Name})

	switch c.Protocol {
	case jobfile.ProtocolFake:
		return fake.NewConnection(fake.ConnectionConfig{Logger: logger})
	case jobfile.ProtocolSSH, jobfile.ProtocolSFTP:
	default:
		return nil, fmt.Errorf("unknown protocol %q: %w", c.Protocol, model.ErrNotValid)
	}

	key, err := f.privateKey(c)
	if err != nil {
		return nil, err
	}

	sshCfg := ssh.ConnectionConfig{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.User,
		PrivateKey:     key,
		KnownHostsFile: c.KnownHostsFile,
		Logger:         logger,
	}

	if c.Protocol == jobfile.ProtocolSFTP {
		return sftp.NewConnection(sftp.ConnectionConfig{SSH: sshCfg, Logger: logger})
	}
	return ssh.NewConnection(sshCfg)
}

func (f factory) privateKey(c jobfile.Connection) ([]byte, error) {
	if c.PrivateKeyPath != "" {
		key, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("could not read private key of connection %q: %w", c.Name, err)
		}
		return key, nil
	}

	if f.defaultKeyPath == "" {
		return nil, nil
	}

	key, err := os.ReadFile(f.defaultKeyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read default private key: %w", err)
	}
	return key, nil
}
