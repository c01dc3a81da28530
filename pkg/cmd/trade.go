package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/c9s/okexstream/pkg/config"
	"github.com/c9s/okexstream/pkg/exchange/okex"
)

func init() {
	tradeCmd.Flags().String("session", "", "take the settings of this configured session")
	tradeCmd.Flags().String("op", "", "trade op, ex. order, cancel-order, amend-order")
	tradeCmd.Flags().StringArray("arg", nil, "one order argument as comma separated key=value pairs, can be repeated")
	tradeCmd.Flags().Bool("keep", false, "keep the session running, the trade request is sent again after every login")
	RootCmd.AddCommand(tradeCmd)
}

// go run ./cmd/okexstream trade --op order --arg instId=BTC-USDT,tdMode=cash,side=buy,ordType=limit,px=20000,sz=0.001
var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "log in and send one trade request, print the response",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfigOrDefault()
		if err != nil {
			return err
		}

		sc, err := adhocSession(cmd, conf, "trade", okex.ModeTrade)
		if err != nil {
			return err
		}

		op, err := cmd.Flags().GetString("op")
		if err != nil {
			return err
		}

		orderArgs, err := cmd.Flags().GetStringArray("arg")
		if err != nil {
			return err
		}

		keep, err := cmd.Flags().GetBool("keep")
		if err != nil {
			return err
		}

		if len(op) > 0 {
			tradeConfig := &config.TradeConfig{Op: op}
			for _, a := range orderArgs {
				kv, err := parseKeyValues(a)
				if err != nil {
					return err
				}
				tradeConfig.Args = append(tradeConfig.Args, kv)
			}
			sc.Trade = tradeConfig
		}

		if sc.Trade == nil {
			return fmt.Errorf("--op is required")
		}

		responded := make(chan struct{})
		var respondOnce sync.Once
		handler := func(receivedAt time.Time, raw []byte) {
			printFrame(receivedAt, raw)

			evt, err := okex.Parse(raw)
			if err != nil {
				return
			}

			if resp, ok := evt.(*okex.WebSocketOpResponse); ok && string(resp.Op) == sc.Trade.Op {
				respondOnce.Do(func() { close(responded) })
			}
		}

		builder := newSessionBuilder(conf)
		defer builder.Close()

		session, err := builder.Build(sc, nil, handler)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		session.Start(ctx)

		// a nil channel never fires
		var respondedC <-chan struct{} = responded
		if keep {
			respondedC = nil
		}

		select {
		case <-respondedC:
		case <-session.Done():
			return session.Err()
		case <-waitForSignal(ctx):
		}

		log.Infof("closing the trade session...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
		defer stopCancel()
		return session.Stop(stopCtx)
	},
}

// parseKeyValues parses "instId=BTC-USDT,sz=1" into a map
func parseKeyValues(s string) (map[string]interface{}, error) {
	kv := make(map[string]interface{})
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if len(pair) == 0 {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || len(parts[0]) == 0 {
			return nil, fmt.Errorf("invalid key=value pair: %q", pair)
		}

		kv[parts[0]] = parts[1]
	}

	if len(kv) == 0 {
		return nil, fmt.Errorf("empty order argument")
	}

	return kv, nil
}
