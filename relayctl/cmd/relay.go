package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"relayctl/api"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Inspect and operate the stem relay",
}

func printEpoch(e api.Epoch) {
	fmt.Printf("%s %d (started %s, ends %s)\n", label("Epoch:"), e.Number,
		e.Started.Format(time.RFC3339), e.Ends.Format(time.RFC3339))
	fmt.Printf("%s %v\n", label("Diffuser:"), e.Diffuser)
	srcs := make([]string, 0, len(e.Assignments))
	for src := range e.Assignments {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	for _, src := range srcs {
		fmt.Printf("  %-22s -> %s\n", src, e.Assignments[src])
	}
}

var epochCmd = &cobra.Command{
	Use:   "epoch",
	Short: "Show the current epoch and stem successor assignments",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := client().Epoch()
		if err != nil {
			return err
		}
		emit(e, func() { printEpoch(e) })
		return nil
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Start a new epoch now (requires token)",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := client().Rotate()
		if err != nil {
			return err
		}
		emit(e, func() { printEpoch(e) })
		return nil
	},
}

var fluffCmd = &cobra.Command{
	Use:   "fluff <hash>",
	Short: "Promote a stemming transaction to fluff (requires token)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := client().Fluff(args[0])
		if err != nil {
			return err
		}
		emit(r, func() {
			if r.Promoted {
				fmt.Println(good("promoted"), r.Hash)
			} else {
				fmt.Println("already fluffed:", r.Hash)
			}
		})
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <hash>",
	Short: "Show the relay record of a transaction (requires token)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := client().Record(args[0])
		if err != nil {
			return err
		}
		emit(r, func() {
			fmt.Printf("%s %s\n", label("Hash:"), r.Hash)
			fmt.Printf("%s %s\n", label("Phase:"), r.Phase)
			fmt.Printf("%s %s\n", label("Origin:"), r.Origin)
			fmt.Printf("%s %s (sent to %s)\n", label("Successor:"), r.Successor, r.StemmedTo)
			fmt.Printf("%s %s\n", label("Embargo:"), r.EmbargoDeadline.Format(time.RFC3339))
			if r.PromotedAt != nil {
				fmt.Printf("%s %s (%s)\n", label("Promoted:"), r.PromotedAt.Format(time.RFC3339), r.Reason)
			}
		})
		return nil
	},
}

var submitFile string

var submitCmd = &cobra.Command{
	Use:   "submit [json]",
	Short: "Originate a transaction from the node (requires token)",
	Long:  "Submit a JSON transaction payload given as an argument, with --file, or on stdin.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		var err error
		switch {
		case len(args) == 1:
			payload = []byte(args[0])
		case submitFile != "":
			payload, err = os.ReadFile(submitFile)
		default:
			payload, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}
		if !json.Valid(payload) {
			return errors.New("payload is not valid JSON")
		}
		r, err := client().Submit(payload)
		if err != nil {
			return err
		}
		emit(r, func() { fmt.Printf("%s %s (%s)\n", good("submitted"), r.Hash, r.Phase) })
		return nil
	},
}

var auditN int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent relay audit events (requires token)",
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := client().Audit(auditN)
		if err != nil {
			return err
		}
		emit(events, func() {
			for _, e := range events {
				res := good(e.Result)
				if e.Result != "success" {
					res = bad(e.Result)
				}
				fmt.Printf("%s %-16s %-12s %s %s %s\n", e.Timestamp.Format(time.TimeOnly), e.EventType,
					trim(e.EntityID, 12), res, e.Peer, e.Reason)
			}
		})
		return nil
	},
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "read the payload from a file")
	auditCmd.Flags().IntVarP(&auditN, "limit", "n", 50, "number of events")
	relayCmd.AddCommand(epochCmd, rotateCmd, fluffCmd, inspectCmd)
	rootCmd.AddCommand(relayCmd, submitCmd, auditCmd)
}
