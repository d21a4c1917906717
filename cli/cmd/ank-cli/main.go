// Package main is the entry point for ank-cli, a thin command-line client
// against ankd's Control service: get prints a (optionally masked)
// CompleteState as YAML, apply sends a YAML state document as a masked
// patch. The exact command surface is intentionally minimal (spec §6 marks
// it out of scope beyond exercising the wire protocol end to end).
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ankaios-go/ankaios/cli/internal/client"
	"github.com/ankaios-go/ankaios/shared/model"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverAddr   string
	sharedSecret string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "ank-cli",
		Short: "ank-cli — query and patch an ankd server's state",
	}

	root.PersistentFlags().StringVar(&cfg.serverAddr, "server-addr", envOrDefault("ANK_SERVER_ADDR", "localhost:25551"), "ankd Control service address (host:port)")
	root.PersistentFlags().StringVar(&cfg.sharedSecret, "shared-secret", envOrDefault("ANK_SHARED_SECRET", ""), "shared secret presented to ankd")

	root.AddCommand(newVersionCmd(), newGetCmd(cfg), newApplyCmd(cfg))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ank-cli %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newGetCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "get [mask...]",
		Short: "Print the server's complete state, optionally projected through field masks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(client.Config{ServerAddr: cfg.serverAddr, SharedSecret: cfg.sharedSecret})
			complete, err := c.GetCompleteState(cmd.Context(), args)
			if err != nil {
				return err
			}
			return yaml.NewEncoder(os.Stdout).Encode(complete)
		},
	}
}

func newApplyCmd(cfg *config) *cobra.Command {
	var masks []string

	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a YAML state document as a patch, optionally scoped to --mask paths",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := loadState(args[0])
			if err != nil {
				return err
			}
			c := client.New(client.Config{ServerAddr: cfg.serverAddr, SharedSecret: cfg.sharedSecret})
			if err := c.ApplyState(context.Background(), state, masks); err != nil {
				return err
			}
			fmt.Println("state applied")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&masks, "mask", nil, "field-mask paths to restrict the patch to (repeatable, comma-separated)")
	return cmd
}

func loadState(path string) (model.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.State{}, fmt.Errorf("read %s: %w", path, err)
	}
	state := model.NewState()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&state); err != nil {
		return model.State{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return state, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
