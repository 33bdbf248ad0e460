package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"scada-core/internal/cache"
	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
	tags "scada-core/internal/tags/domain"
)

// DataTagCache holds data tags; control tags use a second instance.
type DataTagCache = cache.Cache[*tags.DataTag]

// RuleTagCache holds rule tags.
type RuleTagCache = cache.Cache[*tags.RuleTag]

// DependencyResolver computes the process, equipment and subequipment ids a
// rule tag transitively depends on.
//
// Rule inputs are locked along dependency edges, parent before child. Every
// caller takes locks in the same edge order and the rule graph is acyclic
// (cycles are rejected), so no two resolutions can wait on each other. Each
// resolved rule is memoized with a quiet put. Resolution uses an
// explicit stack so deep rule chains do not grow the goroutine stack.
type DependencyResolver struct {
	data    *DataTagCache
	control *DataTagCache
	rules   *RuleTagCache
	logger  zerolog.Logger
}

// NewDependencyResolver constructs a resolver. control may be nil.
func NewDependencyResolver(data, control *DataTagCache, rules *RuleTagCache) (*DependencyResolver, error) {
	if data == nil || rules == nil {
		return nil, errors.New("tags: nil cache")
	}
	return &DependencyResolver{
		data:    data,
		control: control,
		rules:   rules,
		logger:  logging.With("rule_resolver"),
	}, nil
}

type frame struct {
	rule    *tags.RuleTag
	next    int
	parents *tags.ParentSet
	locked  bool
}

// Resolve returns the rule tag with its parent ids filled in. An already
// resolved rule is returned unchanged.
func (r *DependencyResolver) Resolve(ctx context.Context, id int64) (*tags.RuleTag, error) {
	start := time.Now()
	var out *tags.RuleTag
	err := r.rules.WithKeyLock(ctx, id, func() error {
		resolved, err := r.ResolveLocked(ctx, id)
		out = resolved
		return err
	})
	metrics.ObserveRuleResolve(err, time.Since(start))
	return out, err
}

// ResolveLocked is Resolve for callers holding the write lock of id.
func (r *DependencyResolver) ResolveLocked(ctx context.Context, id int64) (*tags.RuleTag, error) {
	root, err := r.rules.GetLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if root.Resolved() {
		return root, nil
	}

	stack := []*frame{{rule: root, parents: tags.NewParentSet()}}
	onPath := map[int64]bool{id: true}
	defer func() {
		for _, f := range stack {
			if f.locked {
				r.rules.UnlockOnKey(f.rule.ID)
			}
		}
	}()

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next < len(top.rule.InputTagIDs) {
			input := top.rule.InputTagIDs[top.next]
			top.next++
			child, err := r.visit(ctx, top, input, onPath)
			if err != nil {
				return nil, err
			}
			if child != nil {
				stack = append(stack, child)
				onPath[child.rule.ID] = true
			}
			continue
		}

		top.parents.ApplyTo(top.rule)
		if err := r.rules.PutQuietLocked(ctx, top.rule); err != nil {
			return nil, err
		}
		stack = stack[:len(stack)-1]
		delete(onPath, top.rule.ID)
		if top.locked {
			r.rules.UnlockOnKey(top.rule.ID)
		}
		if len(stack) == 0 {
			return top.rule, nil
		}
		stack[len(stack)-1].parents.AddRule(top.rule)
	}
	return root, nil
}

// visit folds input into top. It returns a new frame when input is an
// unresolved rule; the frame's key lock is then held.
func (r *DependencyResolver) visit(ctx context.Context, top *frame, input int64, onPath map[int64]bool) (*frame, error) {
	leaf, err := r.leaf(ctx, input)
	if err != nil {
		return nil, err
	}
	if leaf != nil {
		top.parents.AddTag(leaf)
		return nil, nil
	}

	if onPath[input] {
		return nil, r.failure(top.rule.ID, fmt.Errorf("dependency cycle through rule %d", input))
	}
	if err := r.rules.LockOnKey(ctx, input); err != nil {
		return nil, err
	}
	child, err := r.rules.GetLocked(ctx, input)
	if err != nil {
		r.rules.UnlockOnKey(input)
		if errors.Is(err, cache.ErrNotFound) {
			return nil, r.failure(top.rule.ID, fmt.Errorf("input tag %d not found", input))
		}
		return nil, err
	}
	if child.Resolved() {
		top.parents.AddRule(child)
		r.rules.UnlockOnKey(input)
		return nil, nil
	}
	return &frame{rule: child, parents: tags.NewParentSet(), locked: true}, nil
}

func (r *DependencyResolver) leaf(ctx context.Context, id int64) (*tags.DataTag, error) {
	for _, c := range []*DataTagCache{r.data, r.control} {
		if c == nil {
			continue
		}
		t, err := c.Get(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (r *DependencyResolver) failure(ruleID int64, cause error) error {
	r.logger.Error().Err(cause).Int64("rule_id", ruleID).Msg("rule parent resolution failed")
	return fmt.Errorf("rule tag %d: %w", ruleID, cache.Reason(cache.ErrResolutionFailure, cause))
}

// Reconfigure forgets the parent ids of a rule tag and resolves it again.
func (r *DependencyResolver) Reconfigure(ctx context.Context, id int64) (*tags.RuleTag, error) {
	var out *tags.RuleTag
	err := r.rules.WithKeyLock(ctx, id, func() error {
		rule, err := r.rules.GetLocked(ctx, id)
		if err != nil {
			return err
		}
		rule.ClearParents()
		if err := r.rules.PutQuietLocked(ctx, rule); err != nil {
			return err
		}
		out, err = r.ResolveLocked(ctx, id)
		return err
	})
	return out, err
}
