package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"runlok-hq/runlok/pkg/telemetry/health"
)

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print detailed version information including Git commit and build date.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := health.NewVersionInfo(Version, GitCommit, BuildDate)
			return opts.print(cmd, info, func(w io.Writer) error {
				fmt.Fprintf(w, "runlok %s\n", info.Version)
				fmt.Fprintf(w, "Git Commit: %s\n", info.Commit)
				fmt.Fprintf(w, "Build Date: %s\n", info.BuildTime)
				fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
				fmt.Fprintf(w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
				return nil
			})
		},
	}
}
