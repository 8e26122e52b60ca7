package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var mempoolCmd = &cobra.Command{
	Use:   "mempool",
	Short: "Query the current mempool contents",
	Long:  "Lists fluffed transactions. Transactions still in the stem phase are not shown.",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := client().Mempool()
		if err != nil {
			return err
		}
		emit(m, func() {
			fmt.Printf("%d transactions in mempool:\n", m.Count)
			for i, tx := range m.Txs {
				fmt.Printf("%d. %s  %6d bytes  %s\n", i+1, tx.Hash, tx.Size, tx.Timestamp.Format(time.RFC3339))
			}
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mempoolCmd)
}
