// Package namespace is the gateway's view of the file tree: it maps the
// opaque handles clients present to objects and their types.
package namespace

import (
	"context"

	"github.com/AnishMulay/sandgate/internal/layout_service"
)

// RootHandle is the handle of the namespace root.
const RootHandle = "00000000-0000-0000-0000-000000000001"

type NamespaceService interface {
	layout_service.NamespaceService

	Lookup(ctx context.Context, path string) (layout_service.ObjectInfo, error)
	Create(ctx context.Context, path string, typ layout_service.ObjectType, size int64) (layout_service.ObjectInfo, error)
	Remove(ctx context.Context, path string) error
	List(ctx context.Context) []layout_service.ObjectInfo
}
