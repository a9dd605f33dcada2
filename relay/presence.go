package relay

import (
	"time"

	"github.com/chilledoj/portalchat"
)

type Presence struct {
	Participant portalchat.Participant `json:"participant"`
	Connections int                    `json:"connections"`
	IsConnected bool                   `json:"isConnected"`
	LastSeen    time.Time              `json:"lastSeen,omitzero"`
}
