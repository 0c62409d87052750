package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCLIOutput(cmd.OutOrStdout(), root.jsonOut).Print(
				fmt.Sprintf("agent-relay v%s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH),
				map[string]string{"version": Version, "os": runtime.GOOS, "arch": runtime.GOARCH})
		},
	}
}
