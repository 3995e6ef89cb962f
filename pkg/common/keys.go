package common

import "fmt"

var (
	// Sandbox keys
	sandboxProvisionLock string = "sandbox:provision:%s" // projectId

	// Lock keys
	lockFile string = "lock:file:%s" // fileId

	// Gateway keys
	gatewayInitLock string = "gateway:init:%s:lock" // name

	// Event keys
	eventsChannel string = "airsync:events"
)

var Keys = &redisKeys{}

type redisKeys struct{}

// Sandbox keys
func (rk *redisKeys) SandboxProvisionLock(projectId string) string {
	return fmt.Sprintf(sandboxProvisionLock, projectId)
}

// Lock keys
func (rk *redisKeys) LockFile(fileId string) string {
	return fmt.Sprintf(lockFile, fileId)
}

// Gateway keys
func (rk *redisKeys) GatewayInitLock(name string) string {
	return fmt.Sprintf(gatewayInitLock, name)
}

// Event keys
func (rk *redisKeys) EventsChannel() string {
	return eventsChannel
}
