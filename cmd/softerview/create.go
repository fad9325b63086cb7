package main

import (
	"github.com/spf13/cobra"

	"github.com/vspecky/softerview/internal/printer"
)

func newCreateCmd(flags *globalFlags) *cobra.Command {
	var joinAfter bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new session on the relay and print its code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			code, err := newRelayClient(cfg).CreateSession(cmd.Context())
			if err != nil {
				return sessionError(err, "", cfg)
			}
			printer.Success("Created session %s\n", code)
			if !joinAfter {
				printer.Step("Share it, then run: softerview join %s\n", code)
				return nil
			}
			return runJoin(cmd, cfg, code, joinOptions{configPath: flags.configPath})
		},
	}
	cmd.Flags().BoolVar(&joinAfter, "join", false, "join the new session immediately")
	return cmd
}
