package auth

import (
	"github.com/denisbrodbeck/machineid"
)

// MachineID fetches a stable per-host identifier. Nothing in this module
// calls it: main.go registers for the WorkerCoordinator role with a random
// per-process UUID as the candidate id.
func MachineID() (string, error) {
	return machineid.ID()
}
