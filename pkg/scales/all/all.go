// Package all is a convenience wrapper that registers every known scale
// adapter. Importing this package lets the acquisition driver recognize any
// supported vendor.
package all

// Import each adapter package for its side-effects (the init() function).
import (
	_ "github.com/bodygraph/scalelink/pkg/scales/generic"
	_ "github.com/bodygraph/scalelink/pkg/scales/medisana"
	_ "github.com/bodygraph/scalelink/pkg/scales/miscale"
	_ "github.com/bodygraph/scalelink/pkg/scales/yunmai"
	// When adding a [vendor] adapter, add:
	// _ "github.com/bodygraph/scalelink/pkg/scales/[vendor]"
)
