package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/merlab/mer-backend/pkg/auth"
	"github.com/merlab/mer-backend/pkg/config"
)

var (
	serverConfigFile string
	configFormat     string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect merd configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective merd configuration",
	Long: `Resolve the merd configuration the same way the server does (defaults,
optional YAML file, MER_* and conventional environment variables) and print
it with secrets redacted.`,
	RunE: runConfigShow,
}

var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Print the bcrypt hash of an admin key for http.admin_key_hash",
	Long: `Hash an admin key so merd can be configured without the plaintext.
The key is read from the first line of stdin when not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigHashKey,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHashKeyCmd)

	configShowCmd.Flags().StringVar(&serverConfigFile, "file", "", "merd YAML config file")
	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "Output format: yaml or json")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serverConfigFile)
	if err != nil {
		return err
	}
	redacted := cfg.Redacted()

	switch configFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(redacted)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(redacted); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unknown format %q", configFormat)
	}
}

func runConfigHashKey(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return errors.New("key must not be empty")
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
