package guard

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/daviddao/gaia/pkg/model"
)

// DefaultCheckpointToken is the word an operator writes into a checkpoint
// file to approve it.
const DefaultCheckpointToken = "APPROVED"

// Checkpoints is the file-backed gate for high-impact actions. The core
// only ever reads checkpoint files.
type Checkpoints struct {
	Dir   string
	Token string
}

// Path returns the marker file for checkpoint n.
func (c *Checkpoints) Path(n int) string {
	return filepath.Join(c.Dir, "CHECKPOINT_"+strconv.Itoa(n))
}

// IsApproved reports whether CHECKPOINT_<n> exists and contains the
// approval token, compared case-insensitively.
func (c *Checkpoints) IsApproved(n int) bool {
	if n <= 0 {
		return false
	}
	data, err := os.ReadFile(c.Path(n))
	if err != nil {
		return false
	}
	token := c.Token
	if token == "" {
		token = DefaultCheckpointToken
	}
	return strings.Contains(strings.ToUpper(string(data)), strings.ToUpper(token))
}

// Require returns nil when checkpoint n is approved and an error wrapping
// model.ErrCheckpointDenied otherwise.
func (c *Checkpoints) Require(n int, action string) error {
	if c.IsApproved(n) {
		return nil
	}
	return fmt.Errorf("%w: checkpoint %d not approved, skipping %s", model.ErrCheckpointDenied, n, action)
}
