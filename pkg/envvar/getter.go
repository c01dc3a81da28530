package envvar

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

func String(n string, args ...string) (string, bool) {
	defaultValue := ""
	if len(args) > 0 {
		defaultValue = args[0]
	}

	str, ok := os.LookupEnv(n)
	if !ok {
		return defaultValue, false
	}

	return str, true
}

// Prefixed joins the prefix and the name, ex. Prefixed("okex", "API_KEY") is OKEX_API_KEY
func Prefixed(prefix, name string) string {
	if len(prefix) == 0 {
		return name
	}

	return strings.ToUpper(prefix) + "_" + name
}

// Require returns the values of all the given variables, or an error naming every missing or empty one.
func Require(names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))

	var missing []string
	for _, n := range names {
		str, ok := String(n)
		if !ok || len(strings.TrimSpace(str)) == 0 {
			missing = append(missing, n)
			continue
		}

		values[n] = str
	}

	if len(missing) > 0 {
		return values, errors.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}

	return values, nil
}
