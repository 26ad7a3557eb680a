package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// readOperatorJSON decodes an operator-edited JSON file into v. Comments,
// trailing commas and a leading byte-order mark are tolerated. A missing
// file leaves v untouched and reports found=false.
func readOperatorJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
		return true, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// Truthy interprets the loose boolean encodings operators write by hand:
// JSON true, a non-zero number, or one of 1|true|yes|on in any case.
func Truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return TruthyString(x)
	}
	return false
}

// TruthyString is Truthy for string encodings.
func TruthyString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
