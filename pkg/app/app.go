// Package app defines the runtime contracts shared by the warden entrypoints.
package app

// Runner represents a long running application component.
type Runner interface {
	Run() error
}
