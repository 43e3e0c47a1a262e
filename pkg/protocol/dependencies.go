package protocol

import (
	"log/slog"

	"github.com/trellis-ml/trellis/pkg/eventbus"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

// Dependencies contains the common dependencies handed to backend
// factories at Create time.
type Dependencies struct {
	Logger   *slog.Logger
	EventBus eventbus.EventBus
	Store    persistence.Store
	Steps    StepResolver
}
