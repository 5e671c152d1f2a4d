package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"clusterhub/internal/logging"
	"clusterhub/internal/peer"
	"clusterhub/internal/protocol"
)

var findCmd = &cobra.Command{
	Use:   "find <type> <name>",
	Short: "Look up a server by type and name over the peer protocol",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverType, err := protocol.ParseServerType(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		c, err := peer.Dial(ctx, hubAddr, peer.WithLogger(logging.Discard()))
		if err != nil {
			return err
		}
		defer c.Close()

		found, err := c.FindServer(ctx, serverType, args[1])
		if errors.Is(err, peer.ErrNotFound) {
			color.Red("✗ no %s server named %q", serverType, args[1])
			return nil
		}
		if err != nil {
			return err
		}
		color.Green("✓ %s", found.Name)
		fmt.Printf("index:   %d\ngroup:   %d\naddress: %s\n", found.Identity.Index, found.Identity.Group, found.Address)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
}
