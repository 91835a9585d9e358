// Package discovery pkg/discovery/interfaces.go
package discovery

//go:generate mockgen -destination=mock_discovery.go -package=discovery github.com/carverauto/llmscout/pkg/discovery Scanner,EventSink

import (
	"context"

	"github.com/carverauto/llmscout/pkg/models"
)

// Scanner is the sweep engine the manager drives. *scan.Sweeper is the
// production implementation.
type Scanner interface {
	// Scan probes every candidate in the given ranges, streaming confirmed
	// hosts on the returned channel until the sweep finishes.
	Scan(ctx context.Context, ranges []string) (<-chan models.Host, error)

	// Stop cancels an in-flight sweep.
	Stop() error
}

// EventSink receives registry transition events. Implementations must not
// block: the registry publishes on its mutation path.
type EventSink interface {
	Publish(event models.HostEvent)
}
