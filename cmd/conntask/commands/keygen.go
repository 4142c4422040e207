package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/conntask/internal/transport/ssh"
)

type KeygenCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	force bool
}

// NewKeygenCommand returns the keygen command.
func NewKeygenCommand(rootCmd *RootCommand, app *kingpin.Application) *KeygenCommand {
	c := &KeygenCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("keygen", "Generate the client SSH key pair and print its public key.")
	c.Cmd.Flag("force", "Replace the existing key pair.").BoolVar(&c.force)

	return c
}

func (c KeygenCommand) Name() string { return c.Cmd.FullCommand() }

func (c KeygenCommand) Run(ctx context.Context) error {
	km := ssh.NewKeyManager(c.rootCmd.KeyDir)

	var pubKey string
	var err error
	if c.force {
		pubKey, err = km.GenerateKeys()
	} else {
		pubKey, err = km.EnsureKeys()
	}
	if err != nil {
		return fmt.Errorf("could not generate keys: %w", err)
	}

	c.rootCmd.Logger.Infof("Private key at %s", km.PrivateKeyPath())
	fmt.Fprint(c.rootCmd.Stdout, pubKey)

	return nil
}
