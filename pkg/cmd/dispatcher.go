package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/chatflow/pkg/dispatcher"
	busdispatcher "github.com/dukex/chatflow/pkg/dispatcher/bus"
	logdispatcher "github.com/dukex/chatflow/pkg/dispatcher/log"
	"github.com/dukex/chatflow/pkg/dispatcher/twilio"
	"github.com/dukex/chatflow/pkg/dispatcher/whatsapp"
	"github.com/dukex/chatflow/pkg/eventbus"
)

var ErrPublisherRequired = errors.New("the bus dispatcher needs an event bus")

type DispatcherConfig struct {
	// Provider is log, whatsapp, twilio or bus.
	Provider string
	WhatsApp whatsapp.Config
	Twilio   twilio.Config
}

// NewDispatcher builds the outbound dispatcher. publisher is only used by the
// bus provider and may be nil otherwise.
//
// nolint:ireturn // factory over the Dispatcher implementations
func NewDispatcher(logger *slog.Logger, config DispatcherConfig, publisher eventbus.EventPublisher) (dispatcher.Dispatcher, error) {
	switch config.Provider {
	case "", "log":
		return logdispatcher.NewDispatcher(logger), nil
	case "whatsapp":
		d, err := whatsapp.NewDispatcher(logger, config.WhatsApp)
		if err != nil {
			return nil, err
		}

		return d, nil
	case "twilio":
		d, err := twilio.NewDispatcher(logger, config.Twilio)
		if err != nil {
			return nil, err
		}

		return d, nil
	case "bus":
		if publisher == nil {
			return nil, ErrPublisherRequired
		}

		return busdispatcher.NewDispatcher(logger, publisher), nil
	default:
		return nil, fmt.Errorf("unsupported dispatcher provider: %q", config.Provider)
	}
}
