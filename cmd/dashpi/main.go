// Command dashpi is the dashcam device client.
package main

import (
	"fmt"
	"os"

	"github.com/GoDashPi/device-client/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
