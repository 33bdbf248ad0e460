package configuration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	alarmapp "scada-core/internal/alarms/application"
	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
	supapp "scada-core/internal/supervision/application"
	supervision "scada-core/internal/supervision/domain"
	tagapp "scada-core/internal/tags/application"
	tags "scada-core/internal/tags/domain"
)

// ErrInvalidAction rejects an element with an unknown action.
var ErrInvalidAction = errors.New("configuration: invalid action")

// Element statuses in a report.
const (
	StatusApplied    = "APPLIED"
	StatusFailed     = "FAILED"
	StatusRolledBack = "ROLLED_BACK"
	StatusSkipped    = "SKIPPED"
)

// ElementReport describes the outcome of one element.
type ElementReport struct {
	Kind   string `json:"kind"`
	ID     int64  `json:"id"`
	Action Action `json:"action"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report describes an applied document.
type Report struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Success  bool            `json:"success"`
	Elements []ElementReport `json:"elements"`
	// Processes reports the delivery of committed tag changes.
	Processes []ProcessReport `json:"processes,omitempty"`
}

// Applier applies configuration documents through the cache facades.
type Applier struct {
	supervision *supapp.ConfigFacade
	tags        *tagapp.ConfigFacade
	alarms      *alarmapp.ConfigFacade
	sender      ChangeSender
	processes   ProcessDirectory
	logger      zerolog.Logger
	now         func() time.Time
}

// Option customizes the applier.
type Option func(*Applier)

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Applier) {
		a.logger = logger
	}
}

// WithNow overrides the report clock.
func WithNow(now func() time.Time) Option {
	return func(a *Applier) {
		if now != nil {
			a.now = now
		}
	}
}

// NewApplier wires the facades.
func NewApplier(sup *supapp.ConfigFacade, tagFacade *tagapp.ConfigFacade, alarmFacade *alarmapp.ConfigFacade, opts ...Option) (*Applier, error) {
	if sup == nil || tagFacade == nil || alarmFacade == nil {
		return nil, errors.New("configuration: nil facade")
	}
	a := &Applier{
		supervision: sup,
		tags:        tagFacade,
		alarms:      alarmFacade,
		logger:      logging.With("configuration"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

type step struct {
	kind   string
	id     int64
	action Action
	run    func(ctx context.Context, tx *Transaction) error
}

// Apply runs every element of doc. Removals run first, children before
// parents; creations and updates follow, parents before children. The first
// failure rolls back everything applied so far.
func (a *Applier) Apply(ctx context.Context, doc *Document) (*Report, error) {
	if doc == nil {
		return nil, errors.New("configuration: nil document")
	}
	report := &Report{ID: uuid.NewString(), Name: doc.Name, Started: a.now()}
	changes := processChanges{}
	steps, err := a.plan(doc, changes)
	if err != nil {
		report.Finished = a.now()
		metrics.IncConfigApply(err)
		return report, err
	}

	tx := &Transaction{}
	var failure error
	for i, s := range steps {
		entry := ElementReport{Kind: s.kind, ID: s.id, Action: s.action}
		if failure != nil {
			entry.Status = StatusSkipped
			report.Elements = append(report.Elements, entry)
			continue
		}
		if err := ctx.Err(); err != nil {
			failure = err
		} else if err := s.run(ctx, tx); err != nil {
			failure = fmt.Errorf("%s %d %s: %w", s.kind, s.id, s.action, err)
		}
		if failure != nil {
			entry.Status = StatusFailed
			entry.Error = failure.Error()
			for j := range report.Elements {
				report.Elements[j].Status = StatusRolledBack
			}
			a.logger.Warn().Err(failure).Int("element", i).Str("report", report.ID).Msg("configuration element failed, rolling back")
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				a.logger.Error().Err(rbErr).Str("report", report.ID).Msg("configuration rollback incomplete")
				failure = errors.Join(failure, rbErr)
			}
		} else {
			entry.Status = StatusApplied
		}
		report.Elements = append(report.Elements, entry)
	}

	report.Success = failure == nil
	if report.Success {
		a.forward(ctx, report, changes)
	}
	report.Finished = a.now()
	metrics.IncConfigApply(failure)
	a.logger.Info().Str("report", report.ID).Str("name", doc.Name).Int("elements", len(steps)).Bool("success", report.Success).Msg("configuration applied")
	return report, failure
}

func (a *Applier) plan(doc *Document, changes processChanges) ([]step, error) {
	var removals, upserts []step
	add := func(kind string, id int64, action Action, run func(context.Context, *Transaction) error) error {
		if !action.valid() {
			return fmt.Errorf("%w: %s %d %q", ErrInvalidAction, kind, id, action)
		}
		s := step{kind: kind, id: id, action: action, run: run}
		if action == ActionRemove {
			removals = append(removals, s)
		} else {
			upserts = append(upserts, s)
		}
		return nil
	}

	supervised := []struct {
		kind     supervision.Kind
		elements []SupervisedElement
	}{
		{supervision.KindProcess, doc.Processes},
		{supervision.KindEquipment, doc.Equipment},
		{supervision.KindSubEquipment, doc.SubEquipment},
	}
	for _, group := range supervised {
		for _, e := range group.elements {
			if err := add(string(group.kind), e.ID, e.Action, a.supervisedStep(e.Action, e.entity(group.kind))); err != nil {
				return nil, err
			}
		}
	}
	for _, e := range doc.ControlTags {
		if err := add("CONTROLTAG", e.ID, e.Action, a.tagStep("CONTROLTAG", e.Action, e.tag(true), changes)); err != nil {
			return nil, err
		}
	}
	for _, e := range doc.DataTags {
		if err := add("DATATAG", e.ID, e.Action, a.tagStep("DATATAG", e.Action, e.tag(false), changes)); err != nil {
			return nil, err
		}
	}
	for _, e := range doc.RuleTags {
		if err := add("RULETAG", e.ID, e.Action, a.ruleStep(e.Action, e.rule())); err != nil {
			return nil, err
		}
	}
	for _, e := range doc.Alarms {
		if err := add("ALARM", e.ID, e.Action, a.alarmStep(e.Action, e.alarm())); err != nil {
			return nil, err
		}
	}

	for i, j := 0, len(removals)-1; i < j; i, j = i+1, j-1 {
		removals[i], removals[j] = removals[j], removals[i]
	}
	return append(removals, upserts...), nil
}

func (a *Applier) supervisedStep(action Action, entity *supervision.Supervised) func(context.Context, *Transaction) error {
	label := fmt.Sprintf("%s %d", entity.Kind, entity.ID)
	return func(ctx context.Context, tx *Transaction) error {
		switch action {
		case ActionCreate:
			if _, err := a.supervision.CreateCacheObject(ctx, entity); err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				_, err := a.supervision.Remove(ctx, entity.ID)
				return err
			})
		case ActionUpdate:
			previous, err := a.supervision.ConfigureCacheObject(ctx, entity)
			if err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				return a.supervision.Restore(ctx, previous)
			})
		case ActionRemove:
			removed, err := a.supervision.Remove(ctx, entity.ID)
			if err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				return a.supervision.Restore(ctx, removed)
			})
		}
		return nil
	}
}

func (a *Applier) tagStep(kind string, action Action, tag *tags.DataTag, changes processChanges) func(context.Context, *Transaction) error {
	label := fmt.Sprintf("tag %d", tag.ID)
	return func(ctx context.Context, tx *Transaction) error {
		switch action {
		case ActionCreate:
			created, err := a.tags.CreateCacheObject(ctx, tag)
			if err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				_, err := a.tags.Remove(ctx, tag.ID)
				return err
			})
			changes.add(created.ProcessID, ProcessElement{Kind: kind, ID: tag.ID, Action: action, Tag: created})
		case ActionUpdate:
			previous, err := a.tags.ConfigureCacheObject(ctx, tag)
			if err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				return a.tags.Restore(ctx, previous)
			})
			if previous.ProcessID != tag.ProcessID {
				changes.add(previous.ProcessID, ProcessElement{Kind: kind, ID: tag.ID, Action: ActionRemove})
				changes.add(tag.ProcessID, ProcessElement{Kind: kind, ID: tag.ID, Action: ActionCreate, Tag: tag})
			} else {
				changes.add(tag.ProcessID, ProcessElement{Kind: kind, ID: tag.ID, Action: action, Tag: tag})
			}
		case ActionRemove:
			removed, err := a.tags.Remove(ctx, tag.ID)
			if err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				return a.tags.Restore(ctx, removed)
			})
			changes.add(removed.ProcessID, ProcessElement{Kind: kind, ID: tag.ID, Action: action})
		}
		return nil
	}
}

func (a *Applier) ruleStep(action Action, rule *tags.RuleTag) func(context.Context, *Transaction) error {
	label := fmt.Sprintf("rule %d", rule.ID)
	return func(ctx context.Context, tx *Transaction) error {
		switch action {
		case ActionCreate:
			if _, err := a.tags.CreateRule(ctx, rule); err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				_, err := a.tags.RemoveRule(ctx, rule.ID)
				return err
			})
		case ActionUpdate:
			previous, err := a.tags.ConfigureRule(ctx, rule)
			if err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				return a.tags.RestoreRule(ctx, previous)
			})
		case ActionRemove:
			removed, err := a.tags.RemoveRule(ctx, rule.ID)
			if err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				return a.tags.RestoreRule(ctx, removed)
			})
		}
		return nil
	}
}

func (a *Applier) alarmStep(action Action, alarm *alarms.Alarm) func(context.Context, *Transaction) error {
	label := fmt.Sprintf("alarm %d", alarm.ID)
	return func(ctx context.Context, tx *Transaction) error {
		switch action {
		case ActionCreate:
			if _, err := a.alarms.CreateCacheObject(ctx, alarm); err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				_, err := a.alarms.Remove(ctx, alarm.ID)
				return err
			})
		case ActionUpdate:
			previous, err := a.alarms.ConfigureCacheObject(ctx, alarm)
			if err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				return a.alarms.Restore(ctx, previous)
			})
		case ActionRemove:
			removed, err := a.alarms.Remove(ctx, alarm.ID)
			if err != nil {
				return err
			}
			tx.Record(label, func(ctx context.Context) error {
				return a.alarms.Restore(ctx, removed)
			})
		}
		return nil
	}
}
