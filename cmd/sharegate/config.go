package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sharegate/internal/config"
	"github.com/mattjoyce/sharegate/internal/doctor"
	"github.com/mattjoyce/sharegate/internal/log"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and plugin discovery",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Setup("ERROR", cfg.Service.LogFormat)
		registry, err := buildRegistry(cfg, log.WithComponent("config"))
		if err != nil {
			return err
		}

		result := doctor.New(cfg, registry).Validate()
		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			report, err := doctor.FormatJSON(result)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, report)
		} else {
			fmt.Fprintf(out, "config loaded: %s\n", configPath)
			fmt.Fprintf(out, "  storage:  %s (ttl %s)\n", cfg.Storage.Backend, cfg.Storage.TTL)
			fmt.Fprintf(out, "  workers:  %d (queue %d)\n", cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)
			fmt.Fprintf(out, "  policy:   %s\n", cfg.Registry.Policy)
			fmt.Fprintf(out, "  plugins:  %d\n", len(registry.All()))
			if cfg.API.Enabled {
				fmt.Fprintf(out, "  api:      %s\n", cfg.API.Listen)
			} else {
				fmt.Fprintln(out, "  api:      disabled")
			}
			fmt.Fprint(out, doctor.FormatHuman(result))
		}
		if !result.Valid {
			return fmt.Errorf("configuration has %d error(s)", len(result.Errors))
		}
		return nil
	},
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect data plugins",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in and discovered plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Setup("ERROR", cfg.Service.LogFormat)
		registry, err := buildRegistry(cfg, log.WithComponent("plugins"))
		if err != nil {
			return err
		}

		infos := registry.Describe()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tVERSION\tAUTHORIZE\tCAPABILITIES")
		for _, info := range infos {
			caps := make([]string, 0, len(info.Capabilities))
			for _, c := range info.Capabilities {
				caps = append(caps, c.Handler+"/"+c.DataType)
			}
			version := info.Version
			if version == "" {
				version = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", info.Name, info.Kind, version, info.Authorizer, strings.Join(caps, ","))
		}
		return w.Flush()
	},
}

func init() {
	configCheckCmd.Flags().Bool("json", false, "output the validation report as JSON")
	configCmd.AddCommand(configCheckCmd)
	pluginsListCmd.Flags().Bool("json", false, "output as JSON")
	pluginsCmd.AddCommand(pluginsListCmd)
}
