package bridge

import (
	"sort"
	"sync"
)

// Document is the canonical snapshot of one open editor document.
type Document struct {
	URI     string
	Version int
	Text    string
}

// DocumentStore is the bridge-owned source of truth for open-document state.
// It is updated synchronously on every open/change/close regardless of
// sidecar health, so edits made while the sidecar is down are never lost.
// The sidecar's copy is a disposable cache reconstructed from this store
// after every restart.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]Document)}
}

// Open records a newly opened document, replacing any previous snapshot.
func (s *DocumentStore) Open(uri, text string, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[uri] = Document{URI: uri, Version: version, Text: text}
}

// Change replaces the full text of an open document. Returns false if the
// document is not open.
func (s *DocumentStore) Change(uri, text string, version int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[uri]; !ok {
		return false
	}
	s.docs[uri] = Document{URI: uri, Version: version, Text: text}
	return true
}

// Close removes a document. Returns false if it was not open.
func (s *DocumentStore) Close(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[uri]; !ok {
		return false
	}
	delete(s.docs, uri)
	return true
}

// Get returns the snapshot for uri.
func (s *DocumentStore) Get(uri string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[uri]
	return doc, ok
}

// Len reports the number of open documents.
func (s *DocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// All returns every open document in sorted-URI order, the order used for
// replay after a restart.
func (s *DocumentStore) All() []Document {
	s.mu.RLock()
	docs := make([]Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].URI < docs[j].URI })
	return docs
}
