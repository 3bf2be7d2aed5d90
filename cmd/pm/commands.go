package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Hussein-Mazeh/keyvault/internal/app"
	"github.com/Hussein-Mazeh/keyvault/internal/backup"
	"github.com/Hussein-Mazeh/keyvault/internal/db"
	"github.com/Hussein-Mazeh/keyvault/store"
)

func (c *cli) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database file and schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			d, err := db.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close(d)
			if err := db.Migrate(d); err != nil {
				return err
			}
			c.success("database ready at %s", d.Path())
			return nil
		},
	}
}

func (c *cli) setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Set the master password on a new vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			init, err := a.Service.IsInitialized(cmd.Context())
			if err != nil {
				return err
			}
			if init {
				return userError{msg: "vault is already initialized"}
			}

			pw, err := c.promptNew("Enter master password: ", "Confirm master password: ")
			if err != nil {
				return err
			}
			defer zeroBytes(pw)

			if err := a.Service.Setup(cmd.Context(), string(pw)); err != nil {
				return err
			}
			c.success("vault initialized")
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the vault is initialized and how many accounts it holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.Service.Status(cmd.Context())
			if err != nil {
				return err
			}
			accounts, err := a.Service.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "database:\t%s\n", a.DB.Path())
			fmt.Fprintf(tw, "initialized:\t%t\n", st.Initialized)
			fmt.Fprintf(tw, "accounts:\t%d\n", len(accounts))
			if a.Backups != nil {
				files, err := a.Backups.List()
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "backups:\t%d\n", len(files))
			}
			return tw.Flush()
		},
	}
}

func (c *cli) passwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the master password and re-encrypt every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			current, err := c.promptPassword("Current master password: ")
			if err != nil {
				return fmt.Errorf("read current password: %w", err)
			}
			defer zeroBytes(current)

			next, err := c.promptNew("New master password: ", "Confirm new master password: ")
			if err != nil {
				return err
			}
			defer zeroBytes(next)

			if err := a.Service.ChangePassword(cmd.Context(), string(current), string(next)); err != nil {
				return err
			}
			c.success("master password changed")
			return nil
		},
	}
}

// unlock logs in so secret-bearing commands can decrypt.
func (c *cli) unlock(cmd *cobra.Command, a *app.App) error {
	pw, err := c.promptPassword("Master password: ")
	if err != nil {
		return fmt.Errorf("read master password: %w", err)
	}
	defer zeroBytes(pw)
	_, err = a.Service.Login(cmd.Context(), string(pw))
	return err
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		format  string
		out     string
		secrets bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every live account to a JSON or CSV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := backup.ParseFormat(format)
			if err != nil {
				return userError{msg: err.Error()}
			}
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if secrets {
				if err := c.unlock(cmd, a); err != nil {
					return err
				}
			}
			rows, err := a.Service.ExportAccounts(cmd.Context(), secrets)
			if err != nil {
				return err
			}
			data, err := backup.Encode(f, rows, secrets)
			if err != nil {
				return err
			}

			if out == "" || out == "-" {
				_, err = c.out.Write(data)
				return err
			}
			abs, err := filepath.Abs(out)
			if err != nil {
				return err
			}
			if err := store.WriteFileAtomic(store.Paths{Dir: filepath.Dir(abs)}, filepath.Base(abs), data); err != nil {
				return err
			}
			c.success("exported %d accounts to %s", len(rows), abs)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or csv")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, or - for stdout")
	cmd.Flags().BoolVar(&secrets, "secrets", false, "include decrypted passwords and TOTP secrets")
	return cmd
}

func (c *cli) backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Run one backup into the configured backup directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Backups == nil {
				return userError{msg: "no backup directory configured"}
			}
			if _, _, secrets := a.Backups.Settings(); secrets {
				if err := c.unlock(cmd, a); err != nil {
					return err
				}
			}

			res, err := a.Backups.Run(cmd.Context())
			if err != nil {
				return err
			}
			if res.File == "" {
				fmt.Fprintln(c.out, "no accounts to back up")
				return nil
			}
			c.success("wrote %s (%d accounts)", res.File, res.Accounts)
			for _, name := range res.Pruned {
				fmt.Fprintf(c.out, "pruned %s\n", name)
			}
			return nil
		},
	}
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(c.out, cliVersion)
		},
	}
}
