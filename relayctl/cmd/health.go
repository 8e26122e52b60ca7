package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query node health summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := client().Health()
		if err != nil {
			return err
		}
		emit(h, func() {
			m := h.Metrics
			fmt.Printf("Node Health: %s\n", h.Status)
			fmt.Printf("Uptime: %ds\n", m.UptimeSeconds)
			fmt.Printf("Peers: %d (stem-capable %d, banned %d)\n", m.PeerCount, m.StemPeers, m.BannedPeers)
			fmt.Printf("Mempool: %d  Epoch: %d\n", m.MempoolSize, m.Epoch)
			fmt.Printf("CPU Load: %.2f%%\n", m.CPULoadPercent)
			fmt.Printf("Memory Usage: %.2f MB\n", m.MemoryMB)
			fmt.Printf("Disk Free: %.2f MB\n", m.DiskFreeMB)
		})
		return nil
	},
}

var livenessCmd = &cobra.Command{
	Use:   "liveness",
	Short: "Check node liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		alive, err := client().Liveness()
		if err != nil {
			return err
		}
		fmt.Printf("Liveness: %v\n", alive)
		return nil
	},
}

var readinessCmd = &cobra.Command{
	Use:   "readiness",
	Short: "Check node readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		ready, reason, err := client().Readiness()
		if err != nil {
			return err
		}
		if ready {
			fmt.Printf("Readiness: %s\n", good("true"))
		} else {
			fmt.Printf("Readiness: %s (%s)\n", bad("false"), reason)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(livenessCmd)
	rootCmd.AddCommand(readinessCmd)
}
