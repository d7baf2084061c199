package nitrite

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// indexDescriptorRecord is the JSON-persisted shape of an
// IndexDescriptor, kept separate so the on-disk shape can evolve without
// touching the in-memory type.
type indexDescriptorRecord struct {
	Type   IndexType `json:"type"`
	Fields []string  `json:"fields"`
}

// collectionRecord is the persisted catalog entry for one collection.
type collectionRecord struct {
	Name       string                  `json:"name"`
	Indexes    []indexDescriptorRecord `json:"indexes"`
	CreatedAt  int64                   `json:"created_at"`
	ModifiedAt int64                   `json:"modified_at"`
	Owner      string                  `json:"owner,omitempty"`
	UUID       string                  `json:"uuid,omitempty"`
}

// systemCatalog is the full on-disk schema snapshot: the schema version
// plus every collection's index descriptors and attributes.
type systemCatalog struct {
	SchemaVersion int                          `json:"schema_version"`
	Collections   map[string]*collectionRecord `json:"collections"`
}

// MetadataManager persists the system catalog: the set of known
// collections, each collection's index descriptors, and its
// engine-managed attributes (created/modified time, owner, uuid).
// Reserved map names ("$nitrite_catalog", "$nitrite_index_meta|…",
// "$nitrite_index|…") are never usable as collection names.
type MetadataManager struct {
	path    string
	mu      sync.RWMutex
	catalog systemCatalog
}

// NewMetadataManager opens (or initializes) the catalog at path. An empty
// path means purely in-memory bookkeeping (no durability across process
// restarts), matching an ephemeral map-of-maps backend.
func NewMetadataManager(path string) (*MetadataManager, error) {
	mm := &MetadataManager{
		path: path,
		catalog: systemCatalog{
			SchemaVersion: 1,
			Collections:   make(map[string]*collectionRecord),
		},
	}
	if path == "" {
		return mm, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mm, nil
		}
		return nil, wrapErr(KindIOError, "read system catalog", err)
	}
	if err := json.Unmarshal(data, &mm.catalog); err != nil {
		return nil, wrapErr(KindIOError, "parse system catalog", err)
	}
	if mm.catalog.Collections == nil {
		mm.catalog.Collections = make(map[string]*collectionRecord)
	}
	return mm, nil
}

func (mm *MetadataManager) saveLocked() error {
	if mm.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(mm.catalog, "", "  ")
	if err != nil {
		return wrapErr(KindIOError, "marshal system catalog", err)
	}
	if err := os.WriteFile(mm.path, data, 0644); err != nil {
		return wrapErr(KindIOError, "write system catalog", err)
	}
	return nil
}

// SchemaVersion returns the on-disk schema version; Open refuses to
// proceed when it exceeds the configured version.
func (mm *MetadataManager) SchemaVersion() int {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.catalog.SchemaVersion
}

// SetSchemaVersion records the schema version after migrations are applied.
func (mm *MetadataManager) SetSchemaVersion(v int) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.catalog.SchemaVersion = v
	return mm.saveLocked()
}

// EnsureCollection registers name in the catalog if absent, stamping
// engine-managed attributes on first access.
func (mm *MetadataManager) EnsureCollection(name string) (*collectionRecord, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if rec, ok := mm.catalog.Collections[name]; ok {
		return rec, nil
	}
	now := time.Now().UnixMilli()
	rec := &collectionRecord{Name: name, CreatedAt: now, ModifiedAt: now, UUID: newCatalogUUID()}
	mm.catalog.Collections[name] = rec
	if err := mm.saveLocked(); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetCollection returns the catalog entry for name, if present.
func (mm *MetadataManager) GetCollection(name string) (*collectionRecord, bool) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	rec, ok := mm.catalog.Collections[name]
	return rec, ok
}

// DropCollection removes name and its index descriptors from the catalog.
func (mm *MetadataManager) DropCollection(name string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.catalog.Collections, name)
	return mm.saveLocked()
}

// ListCollections returns every known collection name.
func (mm *MetadataManager) ListCollections() []string {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	names := make([]string, 0, len(mm.catalog.Collections))
	for name := range mm.catalog.Collections {
		names = append(names, name)
	}
	return names
}

// AddIndex records a new index descriptor against collection, touching
// ModifiedAt. Returns false without error if an identical descriptor is
// already registered, keeping CreateIndex idempotent.
func (mm *MetadataManager) AddIndex(collection string, desc *IndexDescriptor) (bool, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	rec, ok := mm.catalog.Collections[collection]
	if !ok {
		return false, newErr(KindInvalidOperation, "collection not registered: "+collection)
	}
	for _, existing := range rec.Indexes {
		if existing.Type == desc.Type && stringSliceEqual(existing.Fields, desc.Fields) {
			return false, nil
		}
	}
	rec.Indexes = append(rec.Indexes, indexDescriptorRecord{Type: desc.Type, Fields: append([]string(nil), desc.Fields...)})
	rec.ModifiedAt = time.Now().UnixMilli()
	return true, mm.saveLocked()
}

// RemoveIndex erases desc from collection's catalog entry.
func (mm *MetadataManager) RemoveIndex(collection string, desc *IndexDescriptor) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	rec, ok := mm.catalog.Collections[collection]
	if !ok {
		return nil
	}
	out := rec.Indexes[:0]
	for _, existing := range rec.Indexes {
		if existing.Type == desc.Type && stringSliceEqual(existing.Fields, desc.Fields) {
			continue
		}
		out = append(out, existing)
	}
	rec.Indexes = out
	rec.ModifiedAt = time.Now().UnixMilli()
	return mm.saveLocked()
}

// Indexes returns the index descriptors registered against collection.
func (mm *MetadataManager) Indexes(collection string) []*IndexDescriptor {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	rec, ok := mm.catalog.Collections[collection]
	if !ok {
		return nil
	}
	out := make([]*IndexDescriptor, 0, len(rec.Indexes))
	for _, r := range rec.Indexes {
		out = append(out, &IndexDescriptor{Collection: collection, Type: r.Type, Fields: append([]string(nil), r.Fields...)})
	}
	return out
}

// Attributes returns the engine-managed attribute bag for collection:
// created/modified time, owner, uuid.
func (mm *MetadataManager) Attributes(collection string) (createdAt, modifiedAt time.Time, owner, uuid string, ok bool) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	rec, found := mm.catalog.Collections[collection]
	if !found {
		return time.Time{}, time.Time{}, "", "", false
	}
	return time.UnixMilli(rec.CreatedAt), time.UnixMilli(rec.ModifiedAt), rec.Owner, rec.UUID, true
}

// SetOwner records a collection's owner attribute.
func (mm *MetadataManager) SetOwner(collection, owner string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	rec, ok := mm.catalog.Collections[collection]
	if !ok {
		return newErr(KindInvalidOperation, "collection not registered: "+collection)
	}
	rec.Owner = owner
	rec.ModifiedAt = time.Now().UnixMilli()
	return mm.saveLocked()
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// newCatalogUUID mints the per-collection attribute-bag uuid. It is a
// display/identity attribute only, never used as a storage key, so a
// standard random UUID fits better here than a NitriteID.
func newCatalogUUID() string {
	return uuid.New().String()
}
