package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tsarna/dime/pkg/dime/transport"
)

var namesCmd = &cobra.Command{
	Use:   "names",
	Short: "Print the message queue names for a display",
	Long: `Print the broker queue name and a client reply queue name.

The display defaults to $DISPLAY and the connection id to this process id.

Examples:
  dime names
  dime names --display :1 --id 4242`,
	Args: cobra.NoArgs,
	RunE: runNames,
}

var (
	namesDisplay string
	namesID      int
)

func init() {
	rootCmd.AddCommand(namesCmd)

	namesCmd.Flags().StringVar(&namesDisplay, "display", "", "display name (default $DISPLAY)")
	namesCmd.Flags().IntVar(&namesID, "id", 0, "connection id (default this process id)")
}

func runNames(cmd *cobra.Command, args []string) error {
	display := namesDisplay
	if display == "" {
		display = transport.DisplayFromEnv()
	}

	id := namesID
	if id == 0 {
		id = os.Getpid()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "broker\t%s\n", transport.ServerQueueName(display))
	fmt.Fprintf(out, "client\t%s\n", transport.ConnectionQueueName(display, id))
	return nil
}
