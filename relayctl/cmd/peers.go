package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List connected peers and active bans",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := client().Peers()
		if err != nil {
			return err
		}
		emit(p, func() {
			fmt.Printf("%d peers:\n", len(p.Peers))
			for _, peer := range p.Peers {
				dir := "in "
				if peer.Outbound {
					dir = "out"
				}
				stem := bad("no-stem")
				if peer.StemCapable {
					stem = good("stem")
				}
				fmt.Printf("  %s %-22s %-8s %s %s\n", dir, peer.ID, stem, peer.UserAgent,
					time.Since(peer.ConnectedAt).Truncate(time.Second))
			}
			if len(p.Bans) > 0 {
				fmt.Printf("%d bans:\n", len(p.Bans))
				for _, b := range p.Bans {
					fmt.Printf("  %-22s until %s (violations %d)\n", b.Address, b.Until.Format(time.RFC3339), b.Violations)
				}
			}
		})
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <host:port>",
	Short: "Dial a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := client().ConnectPeer(args[0])
		if err != nil {
			return err
		}
		fmt.Println("connected:", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(connectCmd)
}
