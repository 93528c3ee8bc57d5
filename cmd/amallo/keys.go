package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/axismundi/amallo/internal/keystore"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys in the key file",
	}

	cmd.AddCommand(newKeysCreateCmd())
	cmd.AddCommand(newKeysListCmd())
	return cmd
}

func openKeys(cmd *cobra.Command, configPath string) (*keystore.Store, error) {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return nil, err
	}
	return keystore.Open(keystore.Opts{
		Path:              cfg.KeysFile,
		BootstrapIdentity: cfg.BootstrapIdentity,
		Out:               cmd.OutOrStdout(),
	})
}

func newKeysCreateCmd() *cobra.Command {
	var (
		configPath string
		identity   string
		role       string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new key",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := openKeys(cmd, configPath)
			if err != nil {
				return err
			}
			key, err := keys.Create(identity, keystore.Role(role))
			if err != nil {
				return fmt.Errorf("create key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s key for %s: %s\n", keystore.Role(role), identity, key)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "amallo.yaml", "path to Amallo config file")
	cmd.Flags().StringVar(&identity, "identity", "", "identity bound to the key (required)")
	cmd.Flags().StringVar(&role, "role", string(keystore.RoleUser), "key role: user or master")
	cmd.MarkFlagRequired("identity")
	return cmd
}

func newKeysListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys with identity, role and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := openKeys(cmd, configPath)
			if err != nil {
				return err
			}
			printKeys(cmd.OutOrStdout(), keys.List())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "amallo.yaml", "path to Amallo config file")
	return cmd
}

func printKeys(out io.Writer, table map[string]keystore.Record) {
	if len(table) == 0 {
		fmt.Fprintln(out, "No keys.")
		return
	}
	tokens := make([]string, 0, len(table))
	for k := range table {
		tokens = append(tokens, k)
	}
	sort.Slice(tokens, func(i, j int) bool {
		a, b := table[tokens[i]], table[tokens[j]]
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return tokens[i] < tokens[j]
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tIDENTITY\tROLE\tREQUESTS\tCREATED")
	for _, k := range tokens {
		rec := table[k]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", maskKey(k), rec.Identity, rec.Role, rec.RequestCount, rec.Created.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

// maskKey keeps the prefix and the last four characters.
func maskKey(k string) string {
	if len(k) <= len(keystore.KeyPrefix)+8 {
		return k
	}
	return k[:len(keystore.KeyPrefix)+4] + "…" + k[len(k)-4:]
}
