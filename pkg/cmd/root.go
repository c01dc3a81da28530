package cmd

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/heroku/rollrus"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/c9s/okexstream/pkg/cmd/cmdutil"
	"github.com/c9s/okexstream/pkg/config"
	"github.com/c9s/okexstream/pkg/exchange/okex"
	"github.com/c9s/okexstream/pkg/notifier/slacknotifier"
	"github.com/c9s/okexstream/pkg/server"
)

var RootCmd = &cobra.Command{
	Use:   "okexstream",
	Short: "okex authenticated websocket sessions",
	Long:  "keeps okex v5 private websocket sessions logged in, subscribed and alive",

	// SilenceUsage is an option to silence usage when an error occurs.
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()
		return applyCredentialFlags()
	},

	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	RootCmd.PersistentFlags().Bool("debug", false, "debug flag")
	RootCmd.PersistentFlags().String("config", "okexstream.yaml", "config file")

	RootCmd.PersistentFlags().String("slack-token", "", "slack token")
	RootCmd.PersistentFlags().String("slack-channel", "", "slack alert channel, overrides the config")

	RootCmd.PersistentFlags().String("metrics-bind", "", "serve the prometheus metrics and the session status on this address, ex. :9090")

	RootCmd.PersistentFlags().String("rollbar-token", "", "report errors to rollbar")

	cmdutil.PersistentFlags(RootCmd.PersistentFlags())
}

// applyCredentialFlags exports the credential flags as the default OKEX_API_* variables
// so that they go through the same loader as the environment.
func applyCredentialFlags() error {
	for _, name := range []string{"okex-api-key", "okex-api-secret", "okex-api-passphrase"} {
		value := viper.GetString(name)
		if len(value) == 0 {
			continue
		}

		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if err := os.Setenv(envName, value); err != nil {
			return err
		}
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	configFile := viper.GetString("config")
	if len(configFile) == 0 {
		return nil, errors.New("--config is required")
	}

	return config.Load(configFile)
}

// loadConfigOrDefault falls back to the default config when the config file does not exist
func loadConfigOrDefault() (*config.Config, error) {
	configFile := viper.GetString("config")
	if len(configFile) > 0 {
		if _, err := os.Stat(configFile); err == nil {
			return config.Load(configFile)
		}
	}

	return config.Default(), nil
}

// newSlackNotifier returns nil when slack is not configured
func newSlackNotifier(conf *config.Config) *slacknotifier.Notifier {
	token := viper.GetString("slack-token")
	channel := viper.GetString("slack-channel")
	if conf.Slack != nil {
		if len(token) == 0 {
			token = conf.Slack.Token
		}
		if len(channel) == 0 {
			channel = conf.Slack.Channel
		}
	}

	if len(token) == 0 || len(channel) == 0 {
		return nil
	}

	log.Infof("adding slack notifier with default channel: %s", channel)
	return slacknotifier.New(slack.New(token), channel)
}

func serveHTTP(ctx context.Context, sessions ...*okex.Session) {
	bind := viper.GetString("metrics-bind")
	if len(bind) == 0 {
		return
	}

	go func() {
		if err := server.Run(ctx, bind, sessions); err != nil {
			log.WithError(err).Errorf("http server error")
		}
	}()
}

func setupLogger() {
	log.SetFormatter(&prefixed.TextFormatter{})

	logger := log.StandardLogger()
	if viper.GetBool("debug") {
		logger.SetLevel(log.DebugLevel)
	}

	environment := os.Getenv("OKEXSTREAM_ENV")

	if token := viper.GetString("rollbar-token"); len(token) > 0 {
		if len(environment) == 0 {
			environment = "development"
		}

		logger.AddHook(rollrus.NewHook(token, environment))
	}

	switch environment {
	case "production", "prod":
		writer := &lumberjack.Logger{
			Filename:   path.Join("log", "okexstream.log"),
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     28,
		}

		logger.AddHook(
			lfshook.NewHook(
				lfshook.WriterMap{
					log.DebugLevel: writer,
					log.InfoLevel:  writer,
					log.WarnLevel:  writer,
					log.ErrorLevel: writer,
					log.FatalLevel: writer,
				},
				&log.JSONFormatter{},
			),
		)
	}
}

func Execute() {
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			log.WithError(err).Fatal("can not load .env.local file")
		}
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Enable environment variable binding, the env vars are not overloaded yet.
	viper.AutomaticEnv()

	// Once the flags are defined, we can bind config keys with flags.
	if err := viper.BindPFlags(RootCmd.PersistentFlags()); err != nil {
		log.WithError(err).Errorf("failed to bind persistent flags. please check the flag settings.")
	}

	if err := viper.BindPFlags(RootCmd.Flags()); err != nil {
		log.WithError(err).Errorf("failed to bind local flags. please check the flag settings.")
	}

	if err := RootCmd.Execute(); err != nil {
		log.WithError(err).Fatalf("cannot execute command")
	}
}
