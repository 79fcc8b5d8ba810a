/*
Package cli provides helpers shared by the runlok commands.

Output:

Commands print results as text, JSON or CSV. Data implementing Table is
rendered as aligned columns or CSV rows; anything else is printed with %v
or encoded as JSON:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(cmd.OutOrStdout(), result); err != nil {
		return err
	}

Exit codes:

A command that has already printed its result but must still fail (an
invalid policy document, a broken audit chain) returns an ExitError. main
maps it with ExitCode.

Progress:

Long scans such as audit export draw a progress bar on stderr.

Signals:

	ctx, cancel := cli.SetupSignalHandler(context.Background())
	defer cancel()
*/
package cli
