// Command pm administers a vault database from the terminal: initialise it,
// set up or rotate the master password, inspect status and export accounts.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Hussein-Mazeh/keyvault/internal/app"
	"github.com/Hussein-Mazeh/keyvault/internal/config"
	"github.com/Hussein-Mazeh/keyvault/internal/keystore"
	"github.com/Hussein-Mazeh/keyvault/internal/logging"
	"github.com/Hussein-Mazeh/keyvault/internal/service"
)

var cliVersion = "0.2.0"

// userError is printed as-is and exits 1. Anything else exits 2.
type userError struct {
	msg string
}

func (e userError) Error() string { return e.msg }

func main() {
	err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).ExecuteContext(context.Background())
	memguard.Purge()
	handleError(err)
}

func handleError(err error) {
	if err == nil {
		return
	}
	os.Exit(reportError(os.Stderr, err))
}

func reportError(w io.Writer, err error) int {
	err = friendly(err)
	var uerr userError
	if errors.As(err, &uerr) {
		color.New(color.FgRed).Fprintln(w, uerr.Error())
		return 1
	}
	fmt.Fprintf(w, "unexpected error: %v\n", err)
	return 2
}

// friendly turns service sentinels into messages fit for a terminal.
func friendly(err error) error {
	switch {
	case errors.Is(err, service.ErrAuthentication):
		return userError{msg: "incorrect master password"}
	case errors.Is(err, service.ErrNotInitialized):
		return userError{msg: "vault is not initialized; run 'pm setup' first"}
	case errors.Is(err, service.ErrAlreadyInitialized):
		return userError{msg: "vault is already initialized"}
	case errors.Is(err, service.ErrValidation):
		return userError{msg: err.Error()}
	case errors.Is(err, keystore.ErrVaultLocked):
		return userError{msg: "vault is locked"}
	}
	return err
}

// cli carries the global flags and streams shared by every subcommand.
type cli struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	reader *bufio.Reader

	configPath string
	dbPath     string
	logLevel   string
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "pm",
		Short:         "Administer a password vault database",
		Version:       cliVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "vault.yaml", "path to YAML config file")
	pf.StringVar(&c.dbPath, "db", "", "SQLite database path (overrides config)")
	pf.StringVar(&c.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		c.initCmd(),
		c.setupCmd(),
		c.statusCmd(),
		c.passwdCmd(),
		c.exportCmd(),
		c.backupCmd(),
		c.versionCmd(),
	)
	return root
}

func (c *cli) config() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.dbPath != "" {
		cfg.Database.Path = c.dbPath
	}
	cfg.Log.Level = c.logLevel
	return cfg, nil
}

func (c *cli) open() (*app.App, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	return app.Open(cfg, logging.New(cfg.Log.Level, true, c.errOut))
}

// promptPassword reads without echo from a terminal, or one line otherwise.
func (c *cli) promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(c.errOut, prompt)
	if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(c.errOut)
		return pw, err
	}
	if c.reader == nil {
		c.reader = bufio.NewReader(c.in)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// promptNew asks for a password twice.
func (c *cli) promptNew(prompt, confirmPrompt string) ([]byte, error) {
	pw, err := c.promptPassword(prompt)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	confirm, err := c.promptPassword(confirmPrompt)
	if err != nil {
		zeroBytes(pw)
		return nil, fmt.Errorf("read confirmation: %w", err)
	}
	defer zeroBytes(confirm)
	if err := service.CheckConfirmation(string(pw), string(confirm)); err != nil {
		zeroBytes(pw)
		return nil, userError{msg: "passwords do not match"}
	}
	return pw, nil
}

func (c *cli) success(format string, args ...any) {
	color.New(color.FgGreen).Fprintf(c.out, format+"\n", args...)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
