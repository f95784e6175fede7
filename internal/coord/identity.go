package coord

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewPeerID generates the process-lifetime peer identity: a start-time prefix
// plus a random suffix. Never persisted and never reused after process exit.
func NewPeerID() string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}
