package cmd

import (
	"context"
	"fmt"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/c9s/okexstream/pkg/cmd/cmdutil"
	"github.com/c9s/okexstream/pkg/config"
	"github.com/c9s/okexstream/pkg/exchange/okex"
)

func init() {
	streamCmd.Flags().String("session", "", "take the settings of this configured session")
	streamCmd.Flags().StringSlice("channel", nil, "channel to subscribe, ex. positions, orders, account")
	streamCmd.Flags().String("inst-type", "", "instType argument of the channels, ex. ANY, SWAP")
	streamCmd.Flags().String("inst-id", "", "instId argument of the channels, ex. BTC-USDT-SWAP")
	RootCmd.AddCommand(streamCmd)
}

// go run ./cmd/okexstream stream --channel positions --inst-type ANY
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "subscribe private channels and print every frame with its receipt timestamp",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfigOrDefault()
		if err != nil {
			return err
		}

		sc, err := adhocSession(cmd, conf, "stream", okex.ModeData)
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

		var registry *okex.ChannelRegistry
		if len(channels) > 0 {
			registry = okex.NewChannelRegistry(channelSpecs(channels, instType, instId)...)
		} else if len(sc.Channels) == 0 {
			return fmt.Errorf("--channel is required")
		}

		builder := newSessionBuilder(conf)
		defer builder.Close()

		session, err := builder.Build(sc, registry, printFrame)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		serveHTTP(ctx, session)
		session.Start(ctx)

		select {
		case <-session.Done():
			return session.Err()

		case <-waitForSignal(ctx):
		}

		log.Infof("unsubscribing...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
		defer stopCancel()
		return session.Stop(stopCtx)
	},
}

// adhocSession returns the configured session given by --session, or a new one named name
func adhocSession(cmd *cobra.Command, conf *config.Config, name string, mode okex.Mode) (config.Session, error) {
	sessionName, err := cmd.Flags().GetString("session")
	if err != nil {
		return config.Session{}, err
	}

	if len(sessionName) == 0 {
		return config.Session{Name: name, Mode: mode.String()}, nil
	}

	sc, ok := conf.Session(sessionName)
	if !ok {
		return config.Session{}, fmt.Errorf("session %s not found", sessionName)
	}

	sc.Mode = mode.String()
	return sc, nil
}

func channelSpecs(channels []string, instType, instId string) (specs []okex.ChannelSpec) {
	var kv []string
	if len(instType) > 0 {
		kv = append(kv, "instType", instType)
	}
	if len(instId) > 0 {
		kv = append(kv, "instId", instId)
	}

	for _, ch := range channels {
		specs = append(specs, okex.NewChannelSpec(ch, kv...))
	}

	return specs
}

func waitForSignal(ctx context.Context) <-chan struct{} {
	c := make(chan struct{})
	go func() {
		cmdutil.WaitForSignal(ctx, syscall.SIGINT, syscall.SIGTERM)
		close(c)
	}()
	return c
}
