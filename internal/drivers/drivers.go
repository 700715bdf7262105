// Package drivers pulls in all built-in storage backends.
// Import this package to register them.
package drivers

import (
	// Import all storage backends for self-registration
	_ "github.com/blockvault/blockvault/internal/drivers/devicemapper"
	_ "github.com/blockvault/blockvault/internal/drivers/vfs"
)
