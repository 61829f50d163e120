package sync

// Callbacks are the optional UI hooks of a sync session. They are called
// synchronously from the session goroutines; any of them may be nil.
type Callbacks struct {
	// NetworkError is called when a request failed to reach the server.
	// The sender blocks until confirm (retry) or cancel (drop the event) is called.
	NetworkError func(message string, confirm, cancel func())

	// SyncError reports a request the server rejected or a path that cannot be synced
	SyncError func(message, title string)

	// ProtectedFileChange informs the user that a boilerplate owned file is being overridden
	ProtectedFileChange func(message string)

	// SyncIndicator is called with stop=false when work starts and stop=true when the queue drains
	SyncIndicator func(stop bool)
}

func (c *Callbacks) hasNetworkError() bool {
	return c != nil && c.NetworkError != nil
}

func (c *Callbacks) networkError(message string, confirm, cancel func()) {
	if c.hasNetworkError() {
		c.NetworkError(message, confirm, cancel)
	}
}

func (c *Callbacks) syncError(message, title string) {
	if c != nil && c.SyncError != nil {
		c.SyncError(message, title)
	}
}

func (c *Callbacks) protectedFileChange(message string) {
	if c != nil && c.ProtectedFileChange != nil {
		c.ProtectedFileChange(message)
	}
}

func (c *Callbacks) syncIndicator(stop bool) {
	if c != nil && c.SyncIndicator != nil {
		c.SyncIndicator(stop)
	}
}
