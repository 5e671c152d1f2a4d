package command

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"clusterhub/cmd/hubctl/command/client"
	"clusterhub/internal/hub"
)

func newAdminClient() (*client.AdminClient, error) {
	t, err := resolveToken()
	if err != nil {
		return nil, err
	}
	c := client.NewAdminClient(adminURL)
	c.SetToken(t)
	return c, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hub health",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := client.NewAdminClient(adminURL).Health()
		if err != nil {
			return err
		}
		color.Green("● hub %s", h.Status)
		fmt.Printf("connections: %d\nservers:     %d\n", h.Connections, h.Servers)
		for t, n := range h.ByType {
			if n > 0 {
				fmt.Printf("  %-12s %d\n", t, n)
			}
		}
		return nil
	},
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List registered servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		serverType, _ := cmd.Flags().GetString("type")
		snap, err := c.ListServers(serverType)
		if err != nil {
			return err
		}
		printServers(os.Stdout, *snap)
		return nil
	},
}

var serverCmd = &cobra.Command{
	Use:   "server <index>",
	Short: "Show one registered server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil || index == 0 {
			return fmt.Errorf("index must be between 1 and 255")
		}
		c, err := newAdminClient()
		if err != nil {
			return err
		}
		v, err := c.GetServer(uint8(index))
		if err != nil {
			return err
		}
		printServers(os.Stdout, hub.ServerSnapshot{Servers: []hub.ServerView{*v}, Total: 1})
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream the server list as it changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAdminClient()
		if err != nil {
			return err
		}

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		stop := make(chan struct{})
		go func() {
			<-interrupt
			close(stop)
		}()

		fmt.Printf("\n🔌 Watching %s (Ctrl+C to stop)\n\n", adminURL)
		return c.Watch(stop, func(snap hub.ServerSnapshot) {
			color.Yellow("── %d server(s) ──", snap.Total)
			printServers(os.Stdout, snap)
		})
	},
}

func printServers(out io.Writer, snap hub.ServerSnapshot) {
	if snap.Total == 0 {
		fmt.Fprintln(out, "no servers registered")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTYPE\tGROUP\tNAME\tADDRESS\tRESOURCES\tSINCE")
	for _, s := range snap.Servers {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%d/%d\t%s\n",
			s.Index, s.Type, s.Group, s.Name, s.Address,
			s.ResourcesSent, s.WantResources,
			s.RegisteredAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(watchCmd)

	serversCmd.Flags().StringP("type", "t", "", "only list servers of this type (login, charselect, world, database, ...)")
}
