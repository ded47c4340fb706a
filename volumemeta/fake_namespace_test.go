package volumemeta

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/openvstorage/govoldrv/objbackend"
)

// fakeNamespace is a minimal in-memory objbackend.Namespace used only by
// this package's tests to stand in for the durable TLog stream.
type fakeNamespace struct {
	mu      sync.Mutex
	objects map[string][]byte
	tags    map[string]string
}

var _ objbackend.Namespace = (*fakeNamespace)(nil)

func newFakeNamespace() *fakeNamespace {
	return &fakeNamespace{objects: make(map[string][]byte), tags: make(map[string]string)}
}

func (n *fakeNamespace) put(key string, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.objects[key] = data
}

func (n *fakeNamespace) Open(_ context.Context, key string) (io.ReadCloser, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	buf, ok := n.objects[key]
	if !ok {
		return nil, fmt.Errorf("fakeNamespace: no such object %q", key)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (n *fakeNamespace) Write(_ context.Context, key string, r io.Reader, _ int64) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	n.put(key, buf)
	return nil
}

func (n *fakeNamespace) WriteTag(_ context.Context, key, tagName, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tags[key+"#"+tagName] = value
	return nil
}

func (n *fakeNamespace) GetTag(_ context.Context, key, tagName string) (string, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.tags[key+"#"+tagName]
	return v, ok, nil
}

func (n *fakeNamespace) Exists(_ context.Context, key string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.objects[key]
	return ok, nil
}

func (n *fakeNamespace) ForEach(_ context.Context, prefix string, fn func(key string) error) error {
	n.mu.Lock()
	keys := make([]string, 0, len(n.objects))
	for k := range n.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	n.mu.Unlock()
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}
