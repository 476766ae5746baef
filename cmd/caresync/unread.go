package main

import (
	"github.com/spf13/cobra"
)

func newUnreadCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unread",
		Short: "Print the unread chat count once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientConfig(cmd, flags)
			if err != nil {
				return err
			}

			client := newAPIClient(cfg, newLogger(flags))
			count, err := client.UnreadCount(cmd.Context())
			if err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout()).print("unread", count)
		},
	}
}
