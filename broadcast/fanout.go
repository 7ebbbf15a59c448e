package broadcast

import (
	"context"
	"errors"

	"prism-board/ordering"
)

// Fanout publishes to every wrapped publisher and joins their errors.
type Fanout []ordering.Publisher

// Publish implements ordering.Publisher.
func (f Fanout) Publish(ctx context.Context, eventType string, entity any, projectID string) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, eventType, entity, projectID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
