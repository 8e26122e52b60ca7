package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"relayctl/api"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node and relay status",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client().Status()
		if err != nil {
			return err
		}
		if token == "" {
			emit(s, func() { printStatus(s) })
			return nil
		}
		rs, err := client().RelayStats()
		if err != nil {
			return err
		}
		emit(struct {
			api.Status
			Relay api.RelayStats `json:"relay"`
		}{s, rs}, func() {
			printStatus(s)
			fmt.Printf("%s epoch=%d diffuser=%v routes=%d\n", label("Relay:"),
				rs.Epoch.Number, rs.Epoch.Diffuser, rs.Epoch.Routes)
			st := rs.State
			fmt.Printf("%s stemming=%d fluffed=%d admitted=%d collected=%d getdata=%d\n", label("Records:"),
				st.Stemming, st.Fluffed, st.Admitted, st.Collected, rs.InFlight)
			for reason, n := range st.Promotions {
				fmt.Printf("  promoted %-18s %d\n", reason, n)
			}
		})
		return nil
	},
}

func printStatus(s api.Status) {
	fmt.Printf("%s %s (%s)\n", label("Node:"), s.NodeID, s.Version)
	fmt.Printf("%s %s\n", label("Status:"), s.Status)
	fmt.Printf("%s %s  peers=%d\n", label("Listen:"), s.Listen, s.PeerCount)
	fmt.Printf("%s %v  epoch=%d\n", label("Dandelion:"), s.Dandelion, s.Metrics.Epoch)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
