package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sharegate/internal/config"
	"github.com/mattjoyce/sharegate/internal/inspect"
	"github.com/mattjoyce/sharegate/internal/log"
	"github.com/mattjoyce/sharegate/internal/storage"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Read jobs and saved states straight from storage",
}

var inspectJobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show a job and the fingerprint pointer it answers for",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s storage.Store) (any, string, error) {
			r, err := inspect.Job(cmd.Context(), s, args[0])
			if err != nil {
				return nil, "", err
			}
			return r, inspect.FormatJob(r), nil
		})
	},
}

var inspectStateCmd = &cobra.Command{
	Use:   "state <state-id>",
	Short: "Show a saved state and the jobs its template references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(s storage.Store) (any, string, error) {
			r, err := inspect.State(cmd.Context(), s, args[0])
			if err != nil {
				return nil, "", err
			}
			return r, inspect.FormatState(r), nil
		})
	},
}

// withStore opens the configured store, runs report and prints its text or
// JSON form.
func withStore(cmd *cobra.Command, report func(storage.Store) (any, string, error)) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Setup("ERROR", cfg.Service.LogFormat)
	if cfg.Storage.Backend == "memory" {
		return fmt.Errorf("inspect needs a shared backend; storage.backend is memory")
	}

	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	structured, text, err := report(store)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := inspect.JSON(structured)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, data)
		return nil
	}
	fmt.Fprint(out, text)
	return nil
}

func init() {
	inspectCmd.PersistentFlags().Bool("json", false, "output as JSON")
	inspectCmd.AddCommand(inspectJobCmd, inspectStateCmd)
}
