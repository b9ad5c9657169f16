package boundary

import (
	"github.com/agentuity/go-gateway/errorlog"
	"github.com/agentuity/go-gateway/tui"
)

type Action string

const (
	ActionRetry  Action = "retry"
	ActionHome   Action = "home"
	ActionReload Action = "reload"
)

// Fallback is the view shown in place of a failed subtree.
type Fallback struct {
	// Inline is true for component boundaries: a small notice in place of the
	// component rather than a full page.
	Inline    bool
	Title     string
	Message   string
	ErrorID   string
	Stack     string
	Permanent bool
	Actions   []Action
}

const genericMessage = "An unexpected error occurred."

// Fallback returns the view for the current error, or false when the
// boundary renders its children.
func (b *Boundary) Fallback() (Fallback, bool) {
	s := b.State()
	if !s.HasError {
		return Fallback{}, false
	}
	f := Fallback{
		Inline:    b.config.Level == LevelComponent,
		Title:     "Something went wrong",
		Message:   genericMessage,
		ErrorID:   s.ErrorID,
		Permanent: s.Permanent,
	}
	if b.config.Development && s.Err != nil {
		f.Message = s.Err.Error()
		f.Stack = s.ComponentStack
		if f.Stack == "" {
			f.Stack = errorlog.Stack(s.Err)
		}
	}
	switch {
	case s.Permanent:
		f.Title = "This keeps failing"
		f.Actions = []Action{ActionReload}
	case f.Inline:
		f.Actions = []Action{ActionRetry}
	default:
		f.Actions = []Action{ActionRetry, ActionHome, ActionReload}
	}
	return f, true
}

// Render draws the fallback for a terminal.
func (f Fallback) Render() string {
	if f.Inline && !f.Permanent {
		return tui.Warning("⚠ "+f.Message) + " " + tui.Muted("("+actionList(f.Actions)+")")
	}
	report := tui.ErrorReport{
		ID:      f.ErrorID,
		Message: f.Title + ": " + f.Message,
		Stack:   f.Stack,
		Metadata: map[string]any{
			"actions": actionList(f.Actions),
		},
	}
	return tui.RenderErrorReport(report)
}

func actionList(actions []Action) string {
	out := ""
	for i, a := range actions {
		if i > 0 {
			out += ", "
		}
		out += string(a)
	}
	return out
}
