package supervision

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type supervisedRules struct {
	Name          string        `validate:"required,min=1,max=60"`
	Description   string        `validate:"required,min=1,max=100"`
	AliveTagID    int64         `validate:"required"`
	StateTagID    int64         `validate:"required"`
	AliveInterval time.Duration `validate:"gte=10s"`
}

type processRules struct {
	MaxMessageSize  int           `validate:"gte=1"`
	MaxMessageDelay time.Duration `validate:"gte=100ms"`
}

// ValidateConfig checks the configuration fields of a supervised entity.
func (s *Supervised) ValidateConfig() error {
	if s.ID <= 0 {
		return fmt.Errorf("supervision: invalid id %d", s.ID)
	}
	if _, err := ParseKind(string(s.Kind)); err != nil {
		return err
	}
	if err := validate.Struct(supervisedRules{
		Name:          s.Name,
		Description:   s.Description,
		AliveTagID:    s.AliveTagID,
		StateTagID:    s.StateTagID,
		AliveInterval: s.AliveInterval,
	}); err != nil {
		return fmt.Errorf("supervision: %s %d: %w", s.Kind, s.ID, err)
	}
	switch s.Kind {
	case KindProcess:
		if err := validate.Struct(processRules{MaxMessageSize: s.MaxMessageSize, MaxMessageDelay: s.MaxMessageDelay}); err != nil {
			return fmt.Errorf("supervision: process %d: %w", s.ID, err)
		}
	case KindEquipment, KindSubEquipment:
		if s.ParentID <= 0 {
			return fmt.Errorf("supervision: %s %d: parent id required", s.Kind, s.ID)
		}
	}
	return nil
}
