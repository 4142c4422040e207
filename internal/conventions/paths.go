package conventions

import "path/filepath"

const (
	// DefaultDataDir is the default conntask data directory name (relative to home).
	DefaultDataDir = ".conntask"
	// DBFile is the task history SQLite database filename.
	DBFile = "conntask.db"
	// SSHDir is the subdirectory for the client SSH key pair.
	SSHDir = "ssh"
)

// DBPath returns the path of the task history database.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// KeyDir returns the directory of the client SSH key pair.
func KeyDir(dataDir string) string {
	return filepath.Join(dataDir, SSHDir)
}
