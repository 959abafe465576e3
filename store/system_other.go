//go:build !darwin && !windows

package store

import (
	"fmt"

	"github.com/signdesk/localagent/errdefs"
)

// SystemDirectory has no OS credential store backend on this platform;
// List always fails with ErrStoreUnavailable.
type SystemDirectory struct{}

// Name implements Directory.
func (d *SystemDirectory) Name() string { return "system" }

// List implements Directory.
func (d *SystemDirectory) List(bool) ([]*Identity, error) {
	return nil, fmt.Errorf("%w: no system credential store on this platform", errdefs.ErrStoreUnavailable)
}
