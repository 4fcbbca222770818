package service

import (
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationPolicy holds the per-category termination thresholds.
type ViolationPolicy struct {
	thresholds map[model.ViolationCategory]int
}

// DefaultViolationPolicy is zero tolerance for DEV_TOOLS and three strikes otherwise.
func DefaultViolationPolicy() ViolationPolicy {
	return NewViolationPolicy(config.Thresholds{TabSwitch: 3, CopyPaste: 3, ContextMenu: 3, DevTools: 1})
}

// NewViolationPolicy builds a policy from configuration.
func NewViolationPolicy(t config.Thresholds) ViolationPolicy {
	return ViolationPolicy{thresholds: map[model.ViolationCategory]int{
		model.ViolationTabSwitch:   t.TabSwitch,
		model.ViolationCopyPaste:   t.CopyPaste,
		model.ViolationContextMenu: t.ContextMenu,
		model.ViolationDevTools:    t.DevTools,
	}}
}

// Threshold returns the count at which c alone forces termination.
func (p ViolationPolicy) Threshold(c model.ViolationCategory) int {
	if n, ok := p.thresholds[c]; ok && n > 0 {
		return n
	}
	return 1
}

// Exceeded reports whether count reaches the threshold for c.
func (p ViolationPolicy) Exceeded(c model.ViolationCategory, count int) bool {
	return count >= p.Threshold(c)
}
