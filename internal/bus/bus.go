package bus

import (
	"fmt"

	"github.com/opensource-finance/refguard/internal/domain"
)

// New creates the event bus for the configured type: "channel" for the
// Community tier, "nats" for Pro.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
