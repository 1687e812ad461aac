package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dotbot-exec/internal/domain"
)

func newEndpointsCmd(root *rootOptions) *cobra.Command {
	var networks []string
	var noProbe bool

	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Probe endpoints and show the failover order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if len(networks) == 0 {
				networks = cfg.NetworkNames()
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, name := range networks {
				r, err := a.endpointRegistry(cmd.Context(), name)
				if err != nil {
					return err
				}
				if !noProbe {
					r.CheckAll(cmd.Context())
				}

				order := r.OrderedCandidates()
				rows := make([]domain.EndpointHealth, 0, len(order))
				for _, ep := range order {
					if h, ok := r.Health(ep); ok {
						rows = append(rows, h)
					}
				}
				renderEndpoints(cmd.OutOrStdout(), name, rows, cfg.Endpoints.FailoverCooldown, time.Now())
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&networks, "network", nil, "networks to show (default all)")
	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "show persisted health without probing")
	return cmd
}

func renderEndpoints(out io.Writer, network string, rows []domain.EndpointHealth, cooldown time.Duration, now time.Time) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetTitle(network)
	tw.AppendHeader(table.Row{"#", "Endpoint", "Healthy", "Failures", "Avg latency", "Last failure"})
	for i, h := range rows {
		latency := "-"
		if h.AvgLatencyMs != nil {
			latency = strconv.FormatFloat(*h.AvgLatencyMs, 'f', 0, 64) + "ms"
		}
		lastFailure := "-"
		if h.LastFailure != nil {
			lastFailure = now.Sub(*h.LastFailure).Truncate(time.Second).String() + " ago"
			if h.InCooldown(now, cooldown) {
				lastFailure += " (cooling down)"
			}
		}
		tw.AppendRow(table.Row{i + 1, h.Endpoint, h.Healthy, h.FailureCount, latency, lastFailure})
	}
	tw.Render()
	fmt.Fprintln(out)
}
