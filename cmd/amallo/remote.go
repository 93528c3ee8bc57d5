package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/axismundi/amallo/internal/remote"
)

func newRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Work with remote hosts over SSH",
	}

	cmd.AddCommand(newRemoteProbeCmd())
	return cmd
}

func newRemoteProbeCmd() *cobra.Command {
	var (
		configPath string
		target     remote.Target
		command    string
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to a host, run one command and report the result",
		Long: `Opens an SSH session the same way the gateway does, runs --cmd, and closes it.
The password is read from AMALLO_SSH_PASSWORD or prompted for on a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if target.Password == "" {
				target.Password, err = readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
			}

			m := remote.NewManager(remote.Opts{
				ConnectTimeout: cfg.Remote.ConnectTimeout(),
				ExecTimeout:    cfg.Remote.ExecTimeout(),
			})
			defer m.Close()
			return runProbe(cmd, m, target, command)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "amallo.yaml", "path to Amallo config file")
	cmd.Flags().StringVar(&target.Host, "host", "", "remote host (required)")
	cmd.Flags().StringVar(&target.User, "user", "root", "remote user")
	cmd.Flags().IntVar(&target.Port, "port", 22, "remote SSH port")
	cmd.Flags().StringVar(&command, "cmd", "uname -a", "command to run")
	cmd.MarkFlagRequired("host")
	return cmd
}

func runProbe(cmd *cobra.Command, m *remote.Manager, target remote.Target, command string) error {
	out := cmd.OutOrStdout()
	info, err := m.Connect(cmd.Context(), target)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer m.Disconnect(info.ID)
	fmt.Fprintf(out, "Connected to %s:%d\n", info.Node(), info.Port)

	res, _, err := m.Exec(cmd.Context(), info.ID, command)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	fmt.Fprint(out, res.Stdout)
	if res.Stderr != "" {
		fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	}
	fmt.Fprintf(out, "exit code: %d\n", res.ExitCode)
	return nil
}

// readPassword takes the password from the environment, a terminal prompt,
// or the first line of in, in that order.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if pw := os.Getenv("AMALLO_SSH_PASSWORD"); pw != "" {
		return pw, nil
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "SSH password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
