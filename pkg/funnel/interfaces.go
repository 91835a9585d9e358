package funnel

//go:generate mockgen -destination=mock_funnel.go -package=funnel github.com/carverauto/llmscout/pkg/funnel Clock,Ticker

import "time"

// Clock abstracts time-related operations.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts the ticker behavior.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}
