package inmemory

import (
	"context"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/AnishMulay/sandgate/internal/layout_service"
	"github.com/AnishMulay/sandgate/internal/log_service"
	"github.com/AnishMulay/sandgate/internal/namespace"
	"github.com/google/uuid"
)

type inode struct {
	info     layout_service.ObjectInfo
	children map[string]string // name -> handle
}

// InMemoryNamespace keeps the file tree in memory. Handles are random
// UUIDs and stay valid until the object is removed.
type InMemoryNamespace struct {
	mu     sync.RWMutex
	inodes map[string]*inode
	ls     log_service.LogService
}

func NewInMemoryNamespace(ls log_service.LogService) *InMemoryNamespace {
	ns := &InMemoryNamespace{
		inodes: make(map[string]*inode),
		ls:     ls,
	}
	ns.inodes[namespace.RootHandle] = &inode{
		info: layout_service.ObjectInfo{
			Handle: namespace.RootHandle,
			Path:   "/",
			Type:   layout_service.ObjectDirectory,
		},
		children: make(map[string]string),
	}
	return ns
}

func splitPath(p string) ([]string, error) {
	if !strings.HasPrefix(p, "/") {
		return nil, namespace.ErrInvalidPath
	}
	p = path.Clean(p)
	if p == "/" {
		return nil, nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/"), nil
}

// walk returns the inode at parts. Callers hold mu.
func (ns *InMemoryNamespace) walk(parts []string) (*inode, error) {
	cur := ns.inodes[namespace.RootHandle]
	for _, name := range parts {
		if cur.info.Type != layout_service.ObjectDirectory {
			return nil, namespace.ErrNotDir
		}
		handle, ok := cur.children[name]
		if !ok {
			return nil, namespace.ErrNotFound
		}
		cur = ns.inodes[handle]
	}
	return cur, nil
}

func (ns *InMemoryNamespace) Resolve(ctx context.Context, handle string) (layout_service.ObjectInfo, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	node, ok := ns.inodes[handle]
	if !ok {
		return layout_service.ObjectInfo{}, namespace.ErrNotFound
	}
	return node.info, nil
}

func (ns *InMemoryNamespace) Lookup(ctx context.Context, p string) (layout_service.ObjectInfo, error) {
	parts, err := splitPath(p)
	if err != nil {
		return layout_service.ObjectInfo{}, err
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	node, err := ns.walk(parts)
	if err != nil {
		return layout_service.ObjectInfo{}, err
	}
	return node.info, nil
}

// Create adds an object at p. Missing parent directories are created.
func (ns *InMemoryNamespace) Create(ctx context.Context, p string, typ layout_service.ObjectType, size int64) (layout_service.ObjectInfo, error) {
	parts, err := splitPath(p)
	if err != nil {
		return layout_service.ObjectInfo{}, err
	}
	if len(parts) == 0 {
		return layout_service.ObjectInfo{}, namespace.ErrAlreadyExists
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	parent := ns.inodes[namespace.RootHandle]
	for i, name := range parts[:len(parts)-1] {
		if parent.info.Type != layout_service.ObjectDirectory {
			return layout_service.ObjectInfo{}, namespace.ErrNotDir
		}
		handle, ok := parent.children[name]
		if !ok {
			dir := ns.newInode("/"+strings.Join(parts[:i+1], "/"), layout_service.ObjectDirectory, 0)
			parent.children[name] = dir.info.Handle
			handle = dir.info.Handle
		}
		parent = ns.inodes[handle]
	}
	if parent.info.Type != layout_service.ObjectDirectory {
		return layout_service.ObjectInfo{}, namespace.ErrNotDir
	}

	name := parts[len(parts)-1]
	if _, exists := parent.children[name]; exists {
		return layout_service.ObjectInfo{}, namespace.ErrAlreadyExists
	}

	node := ns.newInode("/"+strings.Join(parts, "/"), typ, size)
	parent.children[name] = node.info.Handle

	ns.ls.Debug(log_service.LogEvent{
		Message:  "Namespace object created",
		Metadata: map[string]any{"path": node.info.Path, "handle": node.info.Handle, "type": typ.String()},
	})
	return node.info, nil
}

func (ns *InMemoryNamespace) newInode(p string, typ layout_service.ObjectType, size int64) *inode {
	node := &inode{
		info: layout_service.ObjectInfo{
			Handle: uuid.NewString(),
			Path:   p,
			Type:   typ,
			Size:   size,
		},
	}
	if typ == layout_service.ObjectDirectory {
		node.children = make(map[string]string)
	}
	ns.inodes[node.info.Handle] = node
	return node
}

// Remove deletes the object at p and everything below it.
func (ns *InMemoryNamespace) Remove(ctx context.Context, p string) error {
	parts, err := splitPath(p)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return namespace.ErrInvalidPath
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	parent, err := ns.walk(parts[:len(parts)-1])
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	handle, ok := parent.children[name]
	if !ok {
		return namespace.ErrNotFound
	}

	delete(parent.children, name)
	ns.drop(handle)
	return nil
}

func (ns *InMemoryNamespace) drop(handle string) {
	node := ns.inodes[handle]
	for _, child := range node.children {
		ns.drop(child)
	}
	delete(ns.inodes, handle)
}

func (ns *InMemoryNamespace) List(ctx context.Context) []layout_service.ObjectInfo {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	out := make([]layout_service.ObjectInfo, 0, len(ns.inodes))
	for _, node := range ns.inodes {
		out = append(out, node.info)
	}
	slices.SortFunc(out, func(a, b layout_service.ObjectInfo) int {
		return strings.Compare(a.Path, b.Path)
	})
	return out
}

var _ namespace.NamespaceService = (*InMemoryNamespace)(nil)
