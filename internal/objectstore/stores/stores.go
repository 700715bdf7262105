// Package stores links every objectstore destination driver into the
// binary. Import it for side effects only.
package stores

import (
	_ "github.com/blockvault/blockvault/internal/objectstore/s3"
	_ "github.com/blockvault/blockvault/internal/objectstore/vfs"
)
