package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/amid"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage amid configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := filepath.Join(amid.DefaultConfigDir, DefaultConfigFileName)

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default amid configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				outPath = defaultOutput
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s (%s)\n", outPath, strings.ReplaceAll(humanize.Bytes(uint64(len(data))), " ", ""))
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	ConfigDir                 string  `yaml:"config-dir"`
	ManagerConf               string  `yaml:"manager-conf"`
	CLIPermissionsConf        string  `yaml:"cli-permissions-conf"`
	WatchConfig               bool    `yaml:"watch-config"`
	AMIListen                 string  `yaml:"ami-listen"`
	TLSListen                 string  `yaml:"tls-listen"`
	TLSCert                   string  `yaml:"tls-cert"`
	TLSKey                    string  `yaml:"tls-key"`
	HTTPListen                string  `yaml:"http-listen"`
	HTTPPrefix                string  `yaml:"http-prefix"`
	MaxConnections            int     `yaml:"max-connections"`
	Banner                    string  `yaml:"banner"`
	AuthPenalty               string  `yaml:"auth-penalty"`
	SystemName                string  `yaml:"system-name"`
	MaxCalls                  int     `yaml:"max-calls"`
	MaxLoad                   float64 `yaml:"max-load"`
	ConnguardEnabled          bool    `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int     `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string  `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string  `yaml:"connguard-block-duration"`
	MetricsListen             string  `yaml:"metrics-listen"`
	PprofListen               string  `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string  `yaml:"otlp-endpoint"`
	ShutdownTimeout           string  `yaml:"shutdown-timeout"`
	LogLevel                  string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		ConfigDir:                 amid.DefaultConfigDir,
		ManagerConf:               "manager.conf",
		CLIPermissionsConf:        "cli_permissions.conf",
		HTTPListen:                amid.DefaultHTTPListen,
		MaxConnections:            amid.DefaultMaxConnections,
		AuthPenalty:               "0s",
		ConnguardEnabled:          true,
		ConnguardFailureThreshold: amid.DefaultGuardFailureThreshold,
		ConnguardFailureWindow:    amid.DefaultGuardFailureWindow.String(),
		ConnguardBlockDuration:    amid.DefaultGuardBlockDuration.String(),
		ShutdownTimeout:           amid.DefaultShutdownTimeout.String(),
		LogLevel:                  "info",
	}
	body, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	header := "# amid daemon configuration. Users, permissions and protocol behaviour\n" +
		"# live in manager.conf under config-dir; this file covers the process.\n"
	return append([]byte(header), body...), nil
}
