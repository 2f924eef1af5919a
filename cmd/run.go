package cmd

import (
	"log"

	"github.com/guildgate/guildgate/guildgate"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Guildgate bot and backend API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			gg, err := guildgate.New(ctx, cfg)
			if err != nil {
				log.Fatalf("error creating guildgate: %s", err.Error())
			}

			if err = gg.Run(ctx); err != nil {
				log.Fatalf("error running guildgate: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
