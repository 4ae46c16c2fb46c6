package tui

import (
	"context"

	"github.com/charmbracelet/huh/spinner"
)

// ShowSpinner displays a spinner titled title while action runs and returns
// the action's error. Without a terminal the action just runs.
func ShowSpinner(ctx context.Context, title string, action func() error) error {
	if !HasTTY {
		return action()
	}
	var err error
	if serr := spinner.New().Context(ctx).Title(title).Action(func() {
		err = action()
	}).Run(); serr != nil && err == nil {
		return serr
	}
	return err
}
