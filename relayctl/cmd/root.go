package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"relayctl/api"
)

var (
	serverURL string
	token     string
	insecure  bool
	output    string
)

var rootCmd = &cobra.Command{
	Use:           "relayctl",
	Short:         "Operator CLI for stemrelayd",
	Long:          "Inspect and operate a stemrelayd node: peers, mempool, stem routing and local transaction submission.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func client() *api.Client {
	return api.NewClient(serverURL, token, insecure)
}

// emit prints v as JSON when -o json was given, otherwise calls plain.
func emit(v interface{}, plain func()) {
	if output == "json" {
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
		return
	}
	plain()
}

var (
	label = color.New(color.FgCyan).SprintFunc()
	good  = color.New(color.FgGreen).SprintFunc()
	bad   = color.New(color.FgRed).SprintFunc()
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&serverURL, "server", envOr("STEMRELAY_API", "http://localhost:8080"), "node API base URL")
	pf.StringVar(&token, "token", os.Getenv("STEMRELAY_TOKEN"), "operator bearer token")
	pf.BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	pf.StringVarP(&output, "output", "o", "plain", "output format: plain|json")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, bad("Error:"), err)
		os.Exit(1)
	}
}
