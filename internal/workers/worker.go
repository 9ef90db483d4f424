package workers

// Worker is a background job owned by the Manager.
type Worker interface {
	// Start must not block.
	Start() error

	// Stop returns once in-flight work has finished.
	Stop()

	Name() string
}
