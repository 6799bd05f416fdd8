// Package preview defines the boundary to the social-preview image pipeline.
// The trust layer authenticates and caches preview requests; the actual
// compositing behind Renderer is a separate concern and only its interface
// is fixed here.
package preview

import "context"

// Spec is what a preview request asks for. Slug selects the page; Title is
// the overlay text a fancier renderer would draw.
type Spec struct {
	Slug  string
	Title string
}

// Renderer produces a finished PNG for a spec. Implementations must be pure
// with respect to the spec: same spec, same instance, same bytes - the
// cache guard depends on it.
type Renderer interface {
	Render(ctx context.Context, spec Spec) ([]byte, error)
}
