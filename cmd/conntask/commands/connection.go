package commands

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/conntask/internal/jobfile"
)

// connectionFlags are the flags of the commands that run a single operation.
type connectionFlags struct {
	target         string
	passwordEnv    string
	privateKeyPath string
	knownHosts     string
	format         string
}

func (f *connectionFlags) register(cmd *kingpin.CmdClause) {
	cmd.Flag("password-env", "Environment variable with the password.").Default("CONNTASK_PASSWORD").StringVar(&f.passwordEnv)
	cmd.Flag("key", "Private key path (default: the key-dir key, if present).").StringVar(&f.privateKeyPath)
	cmd.Flag("known-hosts", "OpenSSH known_hosts file to check the host key against.").StringVar(&f.knownHosts)
	cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&f.format, "table", "json")
	cmd.Arg("target", "Remote endpoint as [user@]host[:port].").Required().StringVar(&f.target)
}

func (f connectionFlags) connection(protocol string) (jobfile.Connection, error) {
	user, host, port, err := parseTarget(f.target)
	if err != nil {
		return jobfile.Connection{}, err
	}

	return jobfile.Connection{
		Name:           host,
		Protocol:       protocol,
		Host:           host,
		Port:           port,
		User:           user,
		PasswordEnv:    f.passwordEnv,
		PrivateKeyPath: f.privateKeyPath,
		KnownHostsFile: f.knownHosts,
	}, nil
}

// optionalEnvCredentials reads the password env var, unset means key only authentication.
func optionalEnvCredentials(c jobfile.Connection) (string, error) {
	return os.Getenv(c.PasswordEnv), nil
}

// parseTarget parses [user@]host[:port], the user defaults to the current user.
func parseTarget(target string) (user, host string, port int, err error) {
	if target == "" {
		return "", "", 0, fmt.Errorf("target is required")
	}

	hostPort := target
	if i := strings.LastIndex(target, "@"); i >= 0 {
		user, hostPort = target[:i], target[i+1:]
		if user == "" {
			return "", "", 0, fmt.Errorf("invalid target %q: empty user", target)
		}
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return "", "", 0, fmt.Errorf("invalid target %q: user is required", target)
	}

	host = hostPort
	if h, p, splitErr := net.SplitHostPort(hostPort); splitErr == nil {
		host = h
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid target %q: invalid port %q", target, p)
		}
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return "", "", 0, fmt.Errorf("invalid target %q: empty host", target)
	}

	return user, host, port, nil
}
