package secrets

import (
	"fmt"
	"os"
	"strings"
)

// EnvLoader reads the named environment variables. KEY_FILE, when set, names
// a file whose trimmed contents are used for KEY instead. Unset keys are
// omitted.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if path := os.Getenv(k + "_FILE"); path != "" {
				b, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
				if err != nil {
					return nil, fmt.Errorf("read %s_FILE: %w", k, err)
				}
				if s := strings.TrimSpace(string(b)); s != "" {
					vals[k] = s
				}
				continue
			}
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
