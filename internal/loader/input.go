package loader

import (
	"os"
	"strings"

	"github.com/rendis/blockflow/pkg/schema"
)

// ReadInput decodes a run input given inline or as "@path". Inline values
// are JSON; files follow their extension. An empty string is a nil input.
func ReadInput(arg string) (any, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read input %s", path).WithCause(err)
		}
		return Decode(data, FormatOf(path))
	}
	return Decode([]byte(arg), FormatJSON)
}
