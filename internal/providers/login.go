package providers

import "context"

// LoginContext abstracts the user interaction a login flow needs, so the
// same flow works from the CLI today and other frontends later.
type LoginContext interface {
	// OpenURL asks the user's environment to open a browser.
	OpenURL(url string) error
	// Note shows a persistent instruction ("visit this URL, enter code X").
	Note(msg string)
	// Prompt reads one line of user input (e.g. pasting a key or code).
	Prompt(ctx context.Context, label string) (string, error)
	// Progress reports a transient status line.
	Progress(msg string)
	// IsRemote reports whether opening a local browser is pointless.
	IsRemote() bool
}
