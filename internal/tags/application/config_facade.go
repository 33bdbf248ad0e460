package application

import (
	"context"
	"errors"
	"fmt"
	"slices"

	tags "scada-core/internal/tags/domain"
)

// ConfigFacade creates, reconfigures and removes data, control and rule tags.
type ConfigFacade struct {
	service  *TagService
	resolver *DependencyResolver
}

// NewConfigFacade constructs a facade.
func NewConfigFacade(service *TagService, resolver *DependencyResolver) (*ConfigFacade, error) {
	if service == nil || resolver == nil {
		return nil, errors.New("tags: nil dependency")
	}
	return &ConfigFacade{service: service, resolver: resolver}, nil
}

func (f *ConfigFacade) tagCache(t *tags.DataTag) *DataTagCache {
	if t.Control {
		return f.service.control
	}
	return f.service.data
}

// ValidateConfig checks a data or control tag.
func (f *ConfigFacade) ValidateConfig(t *tags.DataTag) error {
	if t == nil {
		return errors.New("tags: nil tag")
	}
	return t.ValidateConfig()
}

// CreateCacheObject inserts a data or control tag without a value.
func (f *ConfigFacade) CreateCacheObject(ctx context.Context, t *tags.DataTag) (*tags.DataTag, error) {
	if err := f.ValidateConfig(t); err != nil {
		return nil, err
	}
	if f.exists(t.ID) {
		return nil, fmt.Errorf("tags: tag %d already exists", t.ID)
	}
	created := t.Clone()
	created.Value = nil
	if created.Quality == "" {
		created.Quality = tags.QualityUninitialised
	}
	if err := f.tagCache(created).Put(ctx, created); err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// ConfigureCacheObject replaces the configuration fields of a tag, keeping
// its value, and returns the previous value.
func (f *ConfigFacade) ConfigureCacheObject(ctx context.Context, update *tags.DataTag) (*tags.DataTag, error) {
	if err := f.ValidateConfig(update); err != nil {
		return nil, err
	}
	c := f.tagCache(update)
	var previous *tags.DataTag
	err := c.WithKeyLock(ctx, update.ID, func() error {
		current, err := c.GetLocked(ctx, update.ID)
		if err != nil {
			return err
		}
		previous = current.Clone()
		current.Name = update.Name
		current.Description = update.Description
		current.DataType = update.DataType
		current.Unit = update.Unit
		current.ProcessID = update.ProcessID
		current.EquipmentID = update.EquipmentID
		current.SubEquipmentID = update.SubEquipmentID
		return c.PutLocked(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// Remove deletes a data or control tag. Tags still referenced by a rule
// cannot be removed.
func (f *ConfigFacade) Remove(ctx context.Context, id int64) (*tags.DataTag, error) {
	if users := f.ruleUsers(ctx, id); len(users) > 0 {
		return nil, fmt.Errorf("tags: tag %d is an input of rules %v", id, users)
	}
	c, err := f.service.cacheFor(ctx, id)
	if err != nil {
		return nil, err
	}
	var removed *tags.DataTag
	err = c.WithKeyLock(ctx, id, func() error {
		current, err := c.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		removed = current
		return c.RemoveLocked(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Restore puts back a previously removed or reconfigured tag verbatim.
func (f *ConfigFacade) Restore(ctx context.Context, t *tags.DataTag) error {
	return f.tagCache(t).PutQuiet(ctx, t)
}

// ValidateRule checks a rule tag.
func (f *ConfigFacade) ValidateRule(r *tags.RuleTag) error {
	if r == nil {
		return errors.New("tags: nil rule tag")
	}
	return r.ValidateConfig()
}

// CreateRule inserts a rule tag and resolves its parent ids.
func (f *ConfigFacade) CreateRule(ctx context.Context, r *tags.RuleTag) (*tags.RuleTag, error) {
	if err := f.ValidateRule(r); err != nil {
		return nil, err
	}
	if f.exists(r.ID) {
		return nil, fmt.Errorf("tags: tag %d already exists", r.ID)
	}
	created := r.Clone()
	created.InputTagIDs = tags.ParseRuleInputs(created.RuleText)
	created.ClearParents()
	if created.Quality == "" {
		created.Quality = tags.QualityUninitialised
	}
	rules := f.service.rules
	var out *tags.RuleTag
	err := rules.WithKeyLock(ctx, created.ID, func() error {
		if err := rules.PutLocked(ctx, created); err != nil {
			return err
		}
		resolved, err := f.resolver.ResolveLocked(ctx, created.ID)
		if err != nil {
			return errors.Join(err, rules.RemoveLocked(ctx, created.ID))
		}
		out = resolved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConfigureRule replaces the rule text and metadata. A changed input list
// triggers a fresh parent resolution.
func (f *ConfigFacade) ConfigureRule(ctx context.Context, update *tags.RuleTag) (*tags.RuleTag, error) {
	if err := f.ValidateRule(update); err != nil {
		return nil, err
	}
	rules := f.service.rules
	var previous *tags.RuleTag
	err := rules.WithKeyLock(ctx, update.ID, func() error {
		current, err := rules.GetLocked(ctx, update.ID)
		if err != nil {
			return err
		}
		previous = current.Clone()
		current.Name = update.Name
		current.Description = update.Description
		current.DataType = update.DataType
		current.RuleText = update.RuleText
		inputs := tags.ParseRuleInputs(update.RuleText)
		if !slices.Equal(inputs, current.InputTagIDs) {
			current.InputTagIDs = inputs
			current.ClearParents()
		}
		if err := rules.PutLocked(ctx, current); err != nil {
			return err
		}
		if current.Resolved() {
			return nil
		}
		if _, err := f.resolver.ResolveLocked(ctx, update.ID); err != nil {
			return errors.Join(err, rules.PutQuietLocked(ctx, previous))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// RemoveRule deletes a rule tag not used by other rules.
func (f *ConfigFacade) RemoveRule(ctx context.Context, id int64) (*tags.RuleTag, error) {
	if users := f.ruleUsers(ctx, id); len(users) > 0 {
		return nil, fmt.Errorf("tags: rule %d is an input of rules %v", id, users)
	}
	rules := f.service.rules
	var removed *tags.RuleTag
	err := rules.WithKeyLock(ctx, id, func() error {
		current, err := rules.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		removed = current
		return rules.RemoveLocked(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// RestoreRule puts back a previously removed or reconfigured rule verbatim.
func (f *ConfigFacade) RestoreRule(ctx context.Context, r *tags.RuleTag) error {
	return f.service.rules.PutQuiet(ctx, r)
}

func (f *ConfigFacade) exists(id int64) bool {
	return f.service.data.Has(id) || f.service.control.Has(id) || f.service.rules.Has(id)
}

func (f *ConfigFacade) ruleUsers(ctx context.Context, id int64) []int64 {
	var users []int64
	for _, ruleID := range f.service.rules.GetKeys() {
		rule, err := f.service.rules.Get(ctx, ruleID)
		if err != nil {
			continue
		}
		if slices.Contains(rule.InputTagIDs, id) {
			users = append(users, ruleID)
		}
	}
	return users
}
