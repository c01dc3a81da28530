package cmd

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/c9s/okexstream/pkg/cmd/cmdutil"
	"github.com/c9s/okexstream/pkg/exchange/okex"
)

const gracefulShutdownPeriod = 10 * time.Second

func init() {
	RunCmd.Flags().StringSlice("session", nil, "run only these sessions, defaults to all")
	RootCmd.AddCommand(RunCmd)
}

// go run ./cmd/okexstream run --config okexstream.yaml
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "run the configured sessions until a signal arrives",
	RunE: func(cmd *cobra.Command, args []string) error {
		only, err := cmd.Flags().GetStringSlice("session")
		if err != nil {
			return err
		}

		conf, err := loadConfig()
		if err != nil {
			return err
		}

		// two processes on one config would log the same sessions in twice and replay the trade requests twice
		lock, err := lockConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				log.WithError(err).Errorf("config lock unlock error: %s", err)
			}
		}()

		builder := newSessionBuilder(conf)
		defer builder.Close()

		var sessions []*okex.Session
		for _, sc := range conf.Sessions {
			if len(only) > 0 && !contains(only, sc.Name) {
				continue
			}

			session, err := builder.Build(sc, nil, nil)
			if err != nil {
				return errors.Wrapf(err, "session %s", sc.Name)
			}

			sessions = append(sessions, session)
		}

		if len(sessions) == 0 {
			return errors.New("no session to run")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		serveHTTP(ctx, sessions...)

		g, gctx := errgroup.WithContext(ctx)
		for _, session := range sessions {
			session := session
			log.Infof("starting session %s (%s)", session.Name(), session.Mode())
			g.Go(func() error {
				return errors.Wrapf(session.Run(ctx), "session %s", session.Name())
			})
		}

		go func() {
			cmdutil.WaitForSignal(gctx, syscall.SIGINT, syscall.SIGTERM)

			log.Infof("shutting down, unsubscribing the sessions...")
			if err := stopSessions(sessions); err != nil {
				log.WithError(err).Errorf("graceful shutdown error")
			}
			cancel()
		}()

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	},
}

// stopSessions stops the sessions concurrently within the graceful shutdown period
func stopSessions(sessions []*okex.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer cancel()

	errC := make(chan error, len(sessions))
	for _, session := range sessions {
		go func(session *okex.Session) {
			errC <- errors.Wrapf(session.Stop(ctx), "session %s", session.Name())
		}(session)
	}

	var err error
	for range sessions {
		err = multierr.Append(err, <-errC)
	}

	return err
}

// lockConfig takes the exclusive lock of the config file
func lockConfig(configFile string) (*flock.Flock, error) {
	lock := flock.New(configFile + ".lock")

	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to lock %s", lock.Path())
	}

	if !locked {
		return nil, fmt.Errorf("another okexstream process is running with %s", configFile)
	}

	return lock, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
