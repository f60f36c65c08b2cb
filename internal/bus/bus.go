package bus

import (
	"fmt"

	"github.com/opensource-social/magpie/internal/domain"
)

// New creates an event bus from configuration: an in-process channel
// bus for single-node deployments, or NATS for distributed webhook
// intake.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
