package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"exec-alpha-go/gateway"
	"exec-alpha-go/internal/container"
	"exec-alpha-go/internal/engine"
	"exec-alpha-go/market"
)

var execFlags struct {
	instrument  string
	side        string
	size        float64
	urgency     string
	strategy    string
	limitPrice  float64
	maxSlippage float64
	duration    time.Duration
	slices      int
	warmup      time.Duration
}

// executeCmd 在模拟行情上执行一笔订单并输出执行结果 JSON。
var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Execute one order against the simulated feed and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		side, err := gateway.ParseSide(execFlags.side)
		if err != nil {
			return err
		}
		urgency, err := market.ParseUrgency(execFlags.urgency)
		if err != nil {
			return err
		}
		strategy, err := engine.ParseStrategy(execFlags.strategy)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		c, err := container.New(configPath, container.Options{Feed: true})
		if err != nil {
			return err
		}
		if err := c.Build(ctx); err != nil {
			return err
		}
		defer c.Close()
		if c.Feed() == nil {
			return errors.New("feed.instruments is empty")
		}
		runErr := make(chan error, 1)
		go func() { runErr <- c.Run(ctx) }()

		if err := waitForBook(ctx, c, execFlags.instrument, execFlags.warmup); err != nil {
			return err
		}
		res, execErr := c.Router().Execute(ctx, engine.Order{
			Instrument:  execFlags.instrument,
			Side:        side,
			Size:        execFlags.size,
			Urgency:     urgency,
			Strategy:    strategy,
			LimitPrice:  execFlags.limitPrice,
			MaxSlippage: execFlags.maxSlippage,
			Duration:    execFlags.duration,
			SliceCount:  execFlags.slices,
		})
		cancel()
		<-runErr

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return execErr
	},
}

// waitForBook 等待模拟行情推送首个盘口
func waitForBook(ctx context.Context, c *container.Container, instrument string, warmup time.Duration) error {
	deadline := time.Now().Add(warmup)
	for c.Analyzer().BestPrice(instrument, gateway.SideBuy) <= 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("no order book for %s after %s", instrument, warmup)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

func init() {
	f := executeCmd.Flags()
	f.StringVar(&execFlags.instrument, "instrument", "BTCUSDT", "instrument to trade (must be in feed.instruments)")
	f.StringVar(&execFlags.side, "side", "buy", "buy or sell")
	f.Float64Var(&execFlags.size, "size", 1, "order size")
	f.StringVar(&execFlags.urgency, "urgency", "medium", "low, medium, high or critical")
	f.StringVar(&execFlags.strategy, "strategy", "auto", "auto, direct, twap, vwap, iceberg or adaptive")
	f.Float64Var(&execFlags.limitPrice, "limit", 0, "limit price (0 for none)")
	f.Float64Var(&execFlags.maxSlippage, "max-slippage", 0, "max slippage ratio (0 uses router default)")
	f.DurationVar(&execFlags.duration, "duration", 0, "scheduled duration override")
	f.IntVar(&execFlags.slices, "slices", 0, "scheduled slice count override")
	f.DurationVar(&execFlags.warmup, "warmup", 5*time.Second, "max wait for the first simulated book")
}
