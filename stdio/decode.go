package stdio

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
)

var (
	// ErrBlankLine reports a line with nothing but whitespace. Such lines are
	// skipped silently.
	ErrBlankLine = errors.New("blank line")
	// ErrNotJSON reports a line that is not a JSON document. Servers sometimes
	// print diagnostics on stdout; these lines are logged and dropped.
	ErrNotJSON = errors.New("line is not valid JSON")
)

// Decode classifies a single line read from the child process.
func Decode(line string) (jsonrpc.Message, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, ErrBlankLine
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, ErrNotJSON
	}
	return jsonrpc.Message(trimmed), nil
}
