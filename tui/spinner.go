package tui

import (
	"context"

	"github.com/charmbracelet/huh/spinner"
)

// Spin runs action while displaying a spinner titled title. Without a TTY the
// action runs directly. The context passed to action is cancelled if the user
// aborts the spinner.
func Spin(ctx context.Context, title string, action func(ctx context.Context) error) error {
	if !HasTTY {
		return action(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var actionErr error
	err := spinner.New().
		Context(ctx).
		Title(title).
		Action(func() {
			defer cancel()
			actionErr = action(ctx)
		}).
		Run()
	if actionErr != nil {
		return actionErr
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
