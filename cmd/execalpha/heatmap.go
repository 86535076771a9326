package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"exec-alpha-go/risk"
)

var (
	heatmapAddr    string
	heatmapTimeout time.Duration
)

// heatmapCmd 从运行中的 serve 拉取时段热力图并以表格输出。
var heatmapCmd = &cobra.Command{
	Use:   "heatmap <instrument>",
	Short: "Print the slippage period heatmap of a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: heatmapTimeout}
		endpoint := strings.TrimRight(heatmapAddr, "/") + "/heatmap/" + url.PathEscape(args[0])
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch heatmap: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("fetch heatmap: %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		var hm risk.Heatmap
		if err := json.NewDecoder(resp.Body).Decode(&hm); err != nil {
			return fmt.Errorf("decode heatmap: %w", err)
		}
		return printHeatmap(os.Stdout, hm)
	},
}

func printHeatmap(w io.Writer, hm risk.Heatmap) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "instrument: %s  granularity: %s\n", hm.Instrument, hm.Granularity)
	fmt.Fprintln(tw, "PERIOD\tSAMPLES\tAVG(bps)\tMAX(bps)\tLEVEL")
	for _, hour := range hm.Slots {
		for _, cell := range hour {
			if cell.Count == 0 {
				continue
			}
			fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\t%s\n",
				cell.Period, cell.Count, cell.AvgSlippage*1e4, cell.MaxSlippage*1e4, cell.Level)
		}
	}
	if len(hm.HighRiskPeriods) > 0 {
		fmt.Fprintf(tw, "high risk: %s\n", strings.Join(hm.HighRiskPeriods, ", "))
	}
	return tw.Flush()
}

func init() {
	heatmapCmd.Flags().StringVar(&heatmapAddr, "addr", "http://127.0.0.1:8080", "base URL of a running serve")
	heatmapCmd.Flags().DurationVar(&heatmapTimeout, "timeout", 5*time.Second, "request timeout")
}
