package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vyvo/forge/bridge/pkg/scriptgen"
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "print the job script for a training config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jc, err := jobConfig(cmd)
			if err != nil {
				return err
			}
			script, err := scriptgen.Synthesize(jc)
			if err != nil {
				return err
			}
			logger.Debug("rendered job script", "config", jc.String(), "filename", script.Filename)
			_, err = fmt.Fprint(cmd.OutOrStdout(), script.Text)
			return err
		},
	}
	addJobFlags(cmd)
	return cmd
}
