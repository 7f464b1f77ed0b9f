package budget

import (
	"github.com/outflow-ai/outflow/pkg/config"
	"github.com/outflow-ai/outflow/pkg/models"
)

// KillSwitch is the emergency stop. When active for an operation, every
// admission check fails immediately with a service-paused classification,
// regardless of budget state, so callers can distinguish "paused" from
// "over budget".
type KillSwitch struct {
	cfg config.KillConfig
}

// NewKillSwitch creates a KillSwitch from configuration.
func NewKillSwitch(cfg config.KillConfig) *KillSwitch {
	return &KillSwitch{cfg: cfg}
}

// Active reports whether the kill switch applies to the given operation kind.
func (k *KillSwitch) Active(kind models.OperationKind) bool {
	if k == nil || !k.cfg.Enabled {
		return false
	}
	if k.cfg.Global {
		return true
	}
	for _, op := range k.cfg.Operations {
		if op == kind {
			return true
		}
	}
	return false
}
