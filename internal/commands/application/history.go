package application

import (
	"sync"
	"time"

	commands "scada-core/internal/commands/domain"
)

// history keeps the most recent commands in memory, oldest evicted first.
type history struct {
	mu    sync.Mutex
	limit int
	order []string
	byID  map[string]*commands.Command
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = 1000
	}
	return &history{limit: limit, byID: make(map[string]*commands.Command)}
}

func (h *history) put(cmd commands.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[cmd.CommandID]; !ok {
		h.order = append(h.order, cmd.CommandID)
		if len(h.order) > h.limit {
			delete(h.byID, h.order[0])
			h.order = h.order[1:]
		}
	}
	h.byID[cmd.CommandID] = &cmd
}

func (h *history) get(id string) (commands.Command, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cmd, ok := h.byID[id]
	if !ok {
		return commands.Command{}, false
	}
	return *cmd, true
}

func (h *history) findByKey(key string, since time.Time) (commands.Command, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.order) - 1; i >= 0; i-- {
		cmd := h.byID[h.order[i]]
		if cmd.CreatedAt.Before(since) {
			break
		}
		if cmd.IdempotencyKey == key {
			return *cmd, true
		}
	}
	return commands.Command{}, false
}

func (h *history) list(controlTagID int64, from, to time.Time) []commands.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []commands.Command
	for _, id := range h.order {
		cmd := h.byID[id]
		if controlTagID != 0 && cmd.ControlTagID != controlTagID {
			continue
		}
		if cmd.CreatedAt.Before(from) || !cmd.CreatedAt.Before(to) {
			continue
		}
		out = append(out, *cmd)
	}
	return out
}
