package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/catchall-otp/config"
)

func newKeyringCommand() *cobra.Command {
	keyringCmd := &cobra.Command{
		Use:   "keyring",
		Short: "Manage the IMAP password stored in the OS keyring",
	}

	var fromStdin bool
	setCmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Store the IMAP password under key; use it later with --keyring-key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				password string
				err      error
			)
			if fromStdin {
				password, err = readPassword(os.Stdin)
			} else {
				password, err = pterm.DefaultInteractiveTextInput.WithMask("*").Show("IMAP password")
			}
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if password == "" {
				return &config.ConfigurationError{Key: "imap-pass", Reason: "password is empty"}
			}

			if err := config.StorePassword(args[0], password); err != nil {
				return err
			}
			pterm.Success.Printfln("Password stored, run with --keyring-key %s", args[0])
			return nil
		},
	}
	setCmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the password from the first line of standard input")

	keyringCmd.AddCommand(setCmd)
	return keyringCmd
}

// readPassword returns the first line of r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
