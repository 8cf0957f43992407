package attachment

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrObjectNotFound is returned for unknown or revoked references.
var ErrObjectNotFound = errors.New("object not found")

// Object is the bytes behind a temporary object reference.
type Object struct {
	ID        string
	Owner     string
	Name      string
	MIMEType  string
	Data      []byte
	OneShot   bool
	CreatedAt time.Time
}

// ObjectStore hands out temporary references to local file bytes.
type ObjectStore struct {
	mu       sync.Mutex
	baseURL  string
	objects  map[string]*Object
	onRevoke func(id string)
}

// NewObjectStore creates a store whose URLs are baseURL + "/" + id.
func NewObjectStore(baseURL string) *ObjectStore {
	return &ObjectStore{
		baseURL: baseURL,
		objects: make(map[string]*Object),
	}
}

// OnRevoke registers a callback fired after a reference is released.
func (s *ObjectStore) OnRevoke(fn func(id string)) {
	s.mu.Lock()
	s.onRevoke = fn
	s.mu.Unlock()
}

// Create registers data and returns its reference. A one-shot reference is
// revoked by the first successful Consume.
func (s *ObjectStore) Create(owner, name, mimeType string, data []byte, oneShot bool) *Object {
	obj := &Object{
		ID:        uuid.NewString(),
		Owner:     owner,
		Name:      name,
		MIMEType:  mimeType,
		Data:      data,
		OneShot:   oneShot,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.objects[obj.ID] = obj
	s.mu.Unlock()
	return obj
}

// URL returns the address a renderer uses for the reference.
func (s *ObjectStore) URL(id string) string {
	return s.baseURL + "/" + id
}

// Open returns the object without consuming it.
func (s *ObjectStore) Open(id string) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return obj, nil
}

// Consume returns the object and revokes it when it is one-shot.
func (s *ObjectStore) Consume(id string) (*Object, error) {
	s.mu.Lock()
	obj, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrObjectNotFound
	}
	if !obj.OneShot {
		s.mu.Unlock()
		return obj, nil
	}
	delete(s.objects, id)
	hook := s.onRevoke
	s.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return obj, nil
}

// Revoke releases a reference. Revoking twice is a no-op.
func (s *ObjectStore) Revoke(id string) bool {
	s.mu.Lock()
	_, ok := s.objects[id]
	delete(s.objects, id)
	hook := s.onRevoke
	s.mu.Unlock()

	if ok && hook != nil {
		hook(id)
	}
	return ok
}

// RevokeOwner releases every reference created for owner and returns how many were live.
func (s *ObjectStore) RevokeOwner(owner string) int {
	s.mu.Lock()
	var ids []string
	for id, obj := range s.objects {
		if obj.Owner == owner {
			ids = append(ids, id)
			delete(s.objects, id)
		}
	}
	hook := s.onRevoke
	s.mu.Unlock()

	if hook != nil {
		for _, id := range ids {
			hook(id)
		}
	}
	return len(ids)
}

// Len returns the number of live references.
func (s *ObjectStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
