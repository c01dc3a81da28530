package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/c9s/okexstream/pkg/config"
	"github.com/c9s/okexstream/pkg/exchange/okex"
	"github.com/c9s/okexstream/pkg/style"
)

func init() {
	RootCmd.AddCommand(sessionsCmd)
}

// go run ./cmd/okexstream sessions --config okexstream.yaml
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "list the configured sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}

		printSessions(cmd.OutOrStdout(), viper.GetString("config"), conf, !color.NoColor)
		return nil
	},
}

func printSessions(w io.Writer, configFile string, conf *config.Config, withColor bool) {
	var write func(io.Writer, string, ...interface{})
	tableStyle := style.NewPlainTableStyle()

	if withColor {
		write = color.New(color.FgHiYellow).FprintfFunc()
		tableStyle = style.NewDefaultTableStyle()
	} else {
		write = func(a io.Writer, format string, args ...interface{}) {
			fmt.Fprintf(a, format, args...)
		}
	}

	write(w, "---- %s sessions ---\n", configFile)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(*tableStyle)
	t.AppendHeader(table.Row{"name", "mode", "credentials", "subscription", "publish"})

	for _, sc := range conf.Sessions {
		mode, err := sc.ParsedMode()
		if err != nil {
			continue
		}

		var subscription string
		if mode == okex.ModeTrade && sc.Trade != nil {
			subscription = fmt.Sprintf("%s x%d", sc.Trade.Op, len(sc.Trade.Args))
		} else {
			var channels []string
			for _, spec := range sc.Channels {
				channels = append(channels, spec.String())
			}
			subscription = strings.Join(channels, " ")
		}

		prefix := sc.EnvVarPrefix
		if len(prefix) == 0 {
			prefix = config.DefaultEnvVarPrefix
		}

		t.AppendRow(table.Row{sc.Name, mode.String(), strings.ToUpper(prefix) + "_API_*", subscription, sc.Publish})
	}

	t.Render()
}
