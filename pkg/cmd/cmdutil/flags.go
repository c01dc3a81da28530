package cmdutil

import "github.com/spf13/pflag"

// PersistentFlags defines the credential flags, they override the OKEX_API_* environment variables
func PersistentFlags(flags *pflag.FlagSet) {
	flags.String("okex-api-key", "", "okex api key")
	flags.String("okex-api-secret", "", "okex api secret")
	flags.String("okex-api-passphrase", "", "okex api passphrase")
}
