package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"stemrelay/api/server"
	"stemrelay/core/config"
)

func banner(w io.Writer, cfg config.Config, nodeID string) {
	title := color.New(color.FgHiGreen, color.Bold)
	key := color.New(color.FgCyan)
	warn := color.New(color.FgYellow)

	title.Fprintf(w, "stemrelayd %s\n", server.NodeVersion())
	line := func(k, format string, args ...interface{}) {
		key.Fprintf(w, "  %-11s", k+":")
		fmt.Fprintf(w, format+"\n", args...)
	}
	line("Node", "%s", nodeID)
	line("P2P", "%s (%s)", cfg.Node.Listen, cfg.Node.Transport)
	line("API", "%s", cfg.Node.APIListen)
	d := cfg.Dandelion
	if d.Enabled {
		line("Dandelion", "on  stem=%.2f diffuse=%.2f epoch=%s embargo=%s+exp(%s)<=%s",
			d.StemProbability, d.RelayFluffProbability, d.Epoch, d.EmbargoMin, d.EmbargoAvgAdd, d.EmbargoMax)
	} else {
		line("Dandelion", "%s", warn.Sprint("off (fluff only)"))
	}
	peers := "none"
	if len(cfg.Node.Peers) > 0 {
		peers = strings.Join(cfg.Node.Peers, ", ")
	}
	line("Peers", "%s", peers)
	if cfg.API.JWTSecret == "" {
		warn.Fprintln(w, "  JWT_SECRET not set: operator endpoints are unauthenticated")
	}
}
