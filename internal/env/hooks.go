package env

// Hook receives environment lifecycle notifications. Implementations must
// not block; they run inline with the environment's operations.
type Hook interface {
	// OnInit fires when the hook is registered.
	OnInit(e *Environment)

	// OnCopyRepoStarted fires before the task repository is copied or
	// cloned into the container.
	OnCopyRepoStarted(repo string)

	// OnInstallEnvStarted fires before environment installation begins.
	OnInstallEnvStarted()

	// OnClose fires when the environment is being torn down.
	OnClose()
}

// NoopHook implements Hook with no-ops. Embed it to implement only the
// notifications you care about.
type NoopHook struct{}

func (NoopHook) OnInit(*Environment)      {}
func (NoopHook) OnCopyRepoStarted(string) {}
func (NoopHook) OnInstallEnvStarted()     {}
func (NoopHook) OnClose()                 {}
