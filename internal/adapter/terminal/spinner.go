package terminal

import (
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// NewSpinner returns a stopped spinner writing to w with msg as its suffix.
func NewSpinner(w io.Writer, msg string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 80*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = "  " + msg
	_ = s.Color("cyan")
	return s
}
