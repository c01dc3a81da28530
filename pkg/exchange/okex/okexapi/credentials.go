package okexapi

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrInvalidCredential = errors.New("okex: invalid credential")

// Credentials is the api key triple issued by OKX. It is passed by value and never mutated.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

func NewCredentials(key, secret, passphrase string) Credentials {
	return Credentials{Key: key, Secret: secret, Passphrase: passphrase}
}

func (c Credentials) Validate() error {
	switch {
	case len(c.Key) == 0:
		return errors.Wrap(ErrInvalidCredential, "empty api key")
	case len(c.Secret) == 0:
		return errors.Wrap(ErrInvalidCredential, "empty api secret")
	case len(c.Passphrase) == 0:
		return errors.Wrap(ErrInvalidCredential, "empty api passphrase")
	}

	return nil
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Key: %s, Secret: ******, Passphrase: ******}", maskKey(c.Key))
}

func (c Credentials) GoString() string {
	return c.String()
}

func maskKey(s string) string {
	if len(s) <= 4 {
		return "****"
	}

	return s[:4] + "******"
}
