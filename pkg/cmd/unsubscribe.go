package cmd

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/c9s/okexstream/pkg/exchange/okex"
)

func init() {
	unsubscribeCmd.Flags().String("session", "", "take the settings of this configured session")
	unsubscribeCmd.Flags().StringSlice("channel", nil, "channel to unsubscribe")
	unsubscribeCmd.Flags().String("inst-type", "", "instType argument of the channels")
	unsubscribeCmd.Flags().String("inst-id", "", "instId argument of the channels")
	RootCmd.AddCommand(unsubscribeCmd)
}

// go run ./cmd/okexstream unsubscribe --channel positions --inst-type ANY
var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe",
	Short: "log in, unsubscribe the channels and wait for the acknowledgment",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfigOrDefault()
		if err != nil {
			return err
		}

		sc, err := adhocSession(cmd, conf, "unsubscribe", okex.ModeData)
		if err != nil {
			return err
		}

		channels, err := cmd.Flags().GetStringSlice("channel")
		if err != nil {
			return err
		}

		instType, err := cmd.Flags().GetString("inst-type")
		if err != nil {
			return err
		}

		instId, err := cmd.Flags().GetString("inst-id")
		if err != nil {
			return err
		}

		specs := sc.Channels
		if len(channels) > 0 {
			specs = channelSpecs(channels, instType, instId)
		}

		if len(specs) == 0 {
			return fmt.Errorf("--channel is required")
		}

		builder := newSessionBuilder(conf)
		defer builder.Close()

		// nothing is subscribed on login, the specs are registered afterwards so that Stop unsubscribes them
		session, err := builder.Build(sc, okex.NewChannelRegistry(), printFrame)
		if err != nil {
			return err
		}

		ready := make(chan struct{})
		var readyOnce sync.Once
		session.OnStateChange(func(from, to okex.SessionState) {
			if to == okex.SessionStateSubscribed {
				readyOnce.Do(func() { close(ready) })
			}
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		session.Start(ctx)

		select {
		case <-ready:
		case <-session.Done():
			return session.Err()
		case <-waitForSignal(ctx):
			return nil
		}

		session.Registry().Add(specs...)
		log.Infof("unsubscribing %v", specs)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
		defer stopCancel()
		return session.Stop(stopCtx)
	},
}
