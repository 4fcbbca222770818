// Package monitor is the reference Client Monitor: it turns raw signals from
// the exam page into violation reports. It runs on hardware the server does
// not control, so it deters; it does not enforce.
package monitor

import (
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	// FocusGrace is how long the page may lose focus before it counts.
	FocusGrace = time.Second
	// Outer minus inner window size beyond this means a docked devtools panel.
	devToolsDockDelta = 200
	// A single resize step beyond this means a devtools panel was toggled.
	devToolsResizeJump = 100
)

type SignalKind string

const (
	SignalFocusLost   SignalKind = "focus_lost"
	SignalFocusGained SignalKind = "focus_gained"
	SignalCopy        SignalKind = "copy"
	SignalCut         SignalKind = "cut"
	SignalPaste       SignalKind = "paste"
	SignalKeyDown     SignalKind = "keydown"
	SignalContextMenu SignalKind = "context_menu"
	SignalResize      SignalKind = "resize"
	SignalNavigate    SignalKind = "navigate"
)

// Viewport is the window geometry reported with a resize.
type Viewport struct {
	OuterWidth  int `json:"outer_width"`
	OuterHeight int `json:"outer_height"`
	InnerWidth  int `json:"inner_width"`
	InnerHeight int `json:"inner_height"`
}

// Signal is one raw event observed by the client.
type Signal struct {
	Kind     SignalKind `json:"kind"`
	At       time.Time  `json:"at"`
	Key      string     `json:"key,omitempty"`
	Ctrl     bool       `json:"ctrl,omitempty"`
	Meta     bool       `json:"meta,omitempty"`
	Shift    bool       `json:"shift,omitempty"`
	Viewport *Viewport  `json:"viewport,omitempty"`
}

// Decision is what the monitor should do with a signal.
type Decision struct {
	Category model.ViolationCategory
	Report   bool
	// Navigate asks the student to confirm leaving; confirmation abandons.
	Navigate bool
}

// Classifier keeps the little state classification needs: when focus was
// lost and the last viewport seen.
type Classifier struct {
	focusLostAt  time.Time
	lastViewport *Viewport
}

// Classify maps one signal to a decision.
func (c *Classifier) Classify(s Signal) Decision {
	switch s.Kind {
	case SignalFocusLost:
		if c.focusLostAt.IsZero() {
			c.focusLostAt = s.At
		}
	case SignalFocusGained:
		lost := c.focusLostAt
		c.focusLostAt = time.Time{}
		if !lost.IsZero() && s.At.Sub(lost) > FocusGrace {
			return report(model.ViolationTabSwitch)
		}
	case SignalCopy, SignalCut, SignalPaste:
		return report(model.ViolationCopyPaste)
	case SignalContextMenu:
		return report(model.ViolationContextMenu)
	case SignalKeyDown:
		return classifyKey(s)
	case SignalResize:
		return c.classifyResize(s.Viewport)
	case SignalNavigate:
		return Decision{Navigate: true}
	}
	return Decision{}
}

func classifyKey(s Signal) Decision {
	key := strings.ToLower(s.Key)
	mod := s.Ctrl || s.Meta

	switch {
	case key == "f12",
		mod && s.Shift && (key == "i" || key == "j" || key == "c"),
		mod && key == "u":
		return report(model.ViolationDevTools)
	case mod && len(key) == 1 && strings.Contains("cvxasp", key):
		return report(model.ViolationCopyPaste)
	}
	return Decision{}
}

func (c *Classifier) classifyResize(v *Viewport) Decision {
	if v == nil {
		return Decision{}
	}
	prev := c.lastViewport
	cur := *v
	c.lastViewport = &cur

	if v.OuterWidth-v.InnerWidth > devToolsDockDelta || v.OuterHeight-v.InnerHeight > devToolsDockDelta {
		return report(model.ViolationDevTools)
	}
	if prev != nil && (abs(v.InnerWidth-prev.InnerWidth) > devToolsResizeJump || abs(v.InnerHeight-prev.InnerHeight) > devToolsResizeJump) {
		return report(model.ViolationDevTools)
	}
	return Decision{}
}

func report(c model.ViolationCategory) Decision {
	return Decision{Category: c, Report: true}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
