package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const statusTimeout = 5 * time.Second

// NewStatusCommand creates the status command, which queries a running
// server over its HTTP API.
func NewStatusCommand() *cobra.Command {
	var (
		addr   string
		apiKey string
	)

	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Query a running server",
		Long:          `Query a running Synopticon server and print stream, client, and simulator state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			client := &statusClient{base: "http://" + addr, apiKey: apiKey}

			return printStatus(cobraCmd.Context(), cobraCmd.OutOrStdout(), client)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "Server address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key")

	return cmd
}

type statusClient struct {
	base   string
	apiKey string
}

func (sc *statusClient) get(ctx context.Context, path string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, sc.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	if sc.apiKey != "" {
		req.Header.Set("X-API-Key", sc.apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", path, err)
	}

	defer func() { _ = resp.Body.Close() }()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}

	decodeErr := json.NewDecoder(resp.Body).Decode(&env)
	if decodeErr != nil {
		return fmt.Errorf("decode %s: %w", path, decodeErr)
	}

	if !env.Success {
		return fmt.Errorf("query %s: %s", path, env.Error)
	}

	return json.Unmarshal(env.Data, out)
}

type distributionStatus struct {
	Timestamp int64 `json:"timestamp"`
	Streams   struct {
		Total  int `json:"total"`
		Active int `json:"active"`
	} `json:"streams"`
	Clients struct {
		Total int `json:"total"`
	} `json:"clients"`
}

type syncStatus struct {
	Streams []string `json:"streams"`
	Metrics struct {
		Quality   float64 `json:"quality"`
		LatencyMs float64 `json:"latency_ms"`
		JitterMs  float64 `json:"jitter_ms"`
	} `json:"metrics"`
	Stats struct {
		TuplesEmitted  uint64 `json:"tuples_emitted"`
		DroppedSamples uint64 `json:"dropped_samples"`
	} `json:"stats"`
}

type simulatorStatus struct {
	Simulators []string `json:"simulators"`
	Connected  []struct {
		Simulator   string    `json:"simulator"`
		State       string    `json:"state"`
		DataMode    string    `json:"data_mode"`
		Frames      uint64    `json:"frames_emitted"`
		LastFrameAt time.Time `json:"last_frame_at"`
	} `json:"connected"`
}

func printStatus(ctx context.Context, out io.Writer, client *statusClient) error {
	var dist distributionStatus

	err := client.get(ctx, "/api/distribution/status", &dist)
	if err != nil {
		return err
	}

	header := color.New(color.FgCyan, color.Bold)
	header.Fprintln(out, "Synopticon")

	overview := table.NewWriter()
	overview.SetOutputMirror(out)
	overview.AppendHeader(table.Row{"Streams", "Active", "Clients", "As Of"})
	overview.AppendRow(table.Row{
		dist.Streams.Total,
		dist.Streams.Active,
		dist.Clients.Total,
		humanize.Time(time.UnixMilli(dist.Timestamp)),
	})
	overview.Render()

	var syn syncStatus

	syncErr := client.get(ctx, "/api/sync/status", &syn)
	if syncErr == nil {
		header.Fprintln(out, "\nSynchronization")

		st := table.NewWriter()
		st.SetOutputMirror(out)
		st.AppendHeader(table.Row{"Streams", "Quality", "Latency", "Jitter", "Tuples", "Dropped"})
		st.AppendRow(table.Row{
			len(syn.Streams),
			fmt.Sprintf("%.2f", syn.Metrics.Quality),
			fmt.Sprintf("%.1f ms", syn.Metrics.LatencyMs),
			fmt.Sprintf("%.1f ms", syn.Metrics.JitterMs),
			humanize.Comma(int64(syn.Stats.TuplesEmitted)),
			humanize.Comma(int64(syn.Stats.DroppedSamples)),
		})
		st.Render()
	}

	var sims simulatorStatus

	simErr := client.get(ctx, "/api/telemetry/simulators", &sims)
	if simErr == nil && len(sims.Connected) > 0 {
		header.Fprintln(out, "\nSimulators")

		st := table.NewWriter()
		st.SetOutputMirror(out)
		st.AppendHeader(table.Row{"Simulator", "State", "Mode", "Frames", "Last Frame"})

		for _, conn := range sims.Connected {
			state := conn.State
			switch conn.State {
			case "connected":
				state = color.GreenString(conn.State)
			case "degraded", "reconnecting":
				state = color.YellowString(conn.State)
			case "disconnected":
				state = color.RedString(conn.State)
			}

			st.AppendRow(table.Row{
				conn.Simulator,
				state,
				conn.DataMode,
				humanize.Comma(int64(conn.Frames)),
				humanize.Time(conn.LastFrameAt),
			})
		}

		st.Render()
	}

	return nil
}
