package application

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"scada-core/internal/cache"
	"scada-core/internal/logging"
	supervision "scada-core/internal/supervision/domain"
	tags "scada-core/internal/tags/domain"
)

const supervisionQualityPrefix = "supervision: "

// SupervisionChange is a status change of a supervised entity.
type SupervisionChange struct {
	Kind        supervision.Kind
	ID          int64
	Running     bool
	Description string
}

// SupervisionNotifier invalidates the data tags of entities that go down and
// revalidates them once the entity runs again. Changes are queued by a cache
// listener and applied by Serve.
type SupervisionNotifier struct {
	service *TagService
	queue   chan SupervisionChange
	logger  zerolog.Logger
}

// NewSupervisionNotifier constructs a notifier with a bounded queue.
func NewSupervisionNotifier(service *TagService, size int) (*SupervisionNotifier, error) {
	if service == nil {
		return nil, errors.New("tags: nil service")
	}
	if size <= 0 {
		size = 256
	}
	return &SupervisionNotifier{
		service: service,
		queue:   make(chan SupervisionChange, size),
		logger:  logging.With("supervision_tag_notifier"),
	}, nil
}

// Listener returns the supervision cache listener feeding the queue.
func (n *SupervisionNotifier) Listener() cache.Listener[*supervision.Supervised] {
	return func(_ context.Context, evt cache.Event[*supervision.Supervised]) {
		s := evt.Value
		if s == nil {
			return
		}
		n.Enqueue(SupervisionChange{Kind: s.Kind, ID: s.ID, Running: s.IsRunning(), Description: s.StatusDescription})
	}
}

// Enqueue queues a change without blocking.
func (n *SupervisionNotifier) Enqueue(change SupervisionChange) {
	select {
	case n.queue <- change:
	default:
		n.logger.Warn().Str("kind", string(change.Kind)).Int64("id", change.ID).Msg("supervision tag queue full, change dropped")
	}
}

// Serve applies queued changes until ctx is done.
func (n *SupervisionNotifier) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change := <-n.queue:
			n.Apply(ctx, change)
		}
	}
}

func (n *SupervisionNotifier) String() string {
	return "supervision-tag-notifier"
}

// Apply updates the quality of every data tag attached to the entity and
// returns how many tags changed.
func (n *SupervisionNotifier) Apply(ctx context.Context, change SupervisionChange) int {
	c := n.service.data
	changed := 0
	for _, id := range c.GetKeys() {
		snapshot, err := c.Get(ctx, id)
		if err != nil || !attached(snapshot, change) {
			continue
		}
		err = c.WithKeyLock(ctx, id, func() error {
			tag, err := c.GetLocked(ctx, id)
			if err != nil {
				return err
			}
			if !requalify(tag, change) {
				return nil
			}
			if err := c.PutLocked(ctx, tag); err != nil {
				return err
			}
			changed++
			return nil
		})
		if err != nil {
			n.logger.Error().Err(err).Int64("tag_id", id).Msg("update tag quality")
		}
	}
	return changed
}

func attached(tag *tags.DataTag, change SupervisionChange) bool {
	switch change.Kind {
	case supervision.KindProcess:
		return tag.ProcessID == change.ID
	case supervision.KindEquipment:
		return tag.EquipmentID == change.ID
	case supervision.KindSubEquipment:
		return tag.SubEquipmentID == change.ID
	default:
		return false
	}
}

func requalify(tag *tags.DataTag, change SupervisionChange) bool {
	if !change.Running {
		if tag.Quality == tags.QualityInaccessible {
			return false
		}
		tag.Quality = tags.QualityInaccessible
		tag.QualityDescription = supervisionQualityPrefix + string(change.Kind) + " down: " + change.Description
		return true
	}
	if tag.Quality != tags.QualityInaccessible || !strings.HasPrefix(tag.QualityDescription, supervisionQualityPrefix) {
		return false
	}
	tag.Quality = tags.QualityOK
	if tag.Timestamp.IsZero() {
		tag.Quality = tags.QualityUninitialised
	}
	tag.QualityDescription = ""
	return true
}
