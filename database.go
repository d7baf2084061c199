package nitrite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nitrite-db/nitrite/internal/transaction"
	"github.com/nitrite-db/nitrite/internal/wal"
	"github.com/nitrite-db/nitrite/mvcc"
	"github.com/nitrite-db/nitrite/storage"
	"github.com/rs/zerolog"
)

const (
	defaultBufferPoolPages = 256
	currentSchemaVersion   = 1
)

// Config controls Open: data directory, buffer-pool budget, optional
// at-rest encryption, and the target on-disk schema version.
type Config struct {
	// Path is the data directory. Empty means a purely in-memory database
	// (storage.MemStore, no catalog or WAL persistence across restarts).
	Path string
	// BufferPoolPages bounds the PersistentStore's page cache. Ignored for
	// in-memory databases. Defaults to 256 pages if <= 0.
	BufferPoolPages int
	// EncryptionKey, if 32 bytes, enables AES-256-GCM page encryption
	// (security.Encryptor) for a persistent database.
	EncryptionKey []byte
	// SchemaVersion is the version this process understands. Open refuses
	// to proceed if the on-disk catalog records a newer version.
	SchemaVersion int
	// Logger overrides the default logger. Nil means Open builds one
	// writing to stderr, a single process-wide zerolog.Logger threaded
	// through every component.
	Logger *zerolog.Logger
	// Migrations are versioned instructions applied, in ascending Version
	// order, between the on-disk schema version and SchemaVersion. Safe to
	// leave nil for a database opened at its initial version.
	Migrations []Migration
}

// Database is the top-level handle returned by Open: a pluggable Store,
// the system catalog, the transaction engine, and the registry of open
// collections.
type Database struct {
	cfg      Config
	store    storage.Store
	metadata *MetadataManager
	txnMgr   *transaction.Manager
	snapshot *mvcc.SnapshotManager
	logger   zerolog.Logger

	mu          sync.Mutex
	collections map[string]*Collection
	locks       map[string]*sync.RWMutex

	commitMu sync.Mutex
}

func isReservedCollectionName(name string) bool {
	if name == "" {
		return true
	}
	if strings.HasPrefix(name, "$nitrite_") {
		return true
	}
	switch name {
	case FieldID, FieldRevision, FieldModified, FieldSource:
		return true
	}
	for _, forbidden := range []string{"|", ":", indexFieldSeparator} {
		if strings.Contains(name, forbidden) {
			return true
		}
	}
	return false
}

// Open builds or reopens a database per cfg.
func Open(cfg Config) (*Database, error) {
	if cfg.BufferPoolPages <= 0 {
		cfg.BufferPoolPages = defaultBufferPoolPages
	}
	if cfg.SchemaVersion <= 0 {
		cfg.SchemaVersion = currentSchemaVersion
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	var (
		store  storage.Store
		walDir string
		metaPath string
	)
	if cfg.Path == "" {
		store = storage.NewMemStore()
		tmp, err := os.MkdirTemp("", "nitrite-wal-*")
		if err != nil {
			return nil, wrapErr(KindIOError, "create scratch wal directory", err)
		}
		walDir = tmp
	} else {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, wrapErr(KindIOError, "create data directory", err)
		}
		var err error
		store, err = storage.OpenPersistentStore(filepath.Join(cfg.Path, "data"), cfg.BufferPoolPages, cfg.EncryptionKey)
		if err != nil {
			return nil, wrapErr(KindIOError, "open persistent store", err)
		}
		walDir = filepath.Join(cfg.Path, "wal")
		metaPath = filepath.Join(cfg.Path, "catalog.json")
	}

	walWriter, err := wal.NewWAL(walDir)
	if err != nil {
		return nil, wrapErr(KindIOError, "open write-ahead log", err)
	}

	metadata, err := NewMetadataManager(metaPath)
	if err != nil {
		return nil, err
	}
	onDisk := metadata.SchemaVersion()
	if onDisk > cfg.SchemaVersion {
		return nil, newErr(KindInvalidOperation, fmt.Sprintf("on-disk schema version %d exceeds configured version %d", onDisk, cfg.SchemaVersion))
	}

	versionMgr := mvcc.NewVersionManager()
	snapshotMgr := mvcc.NewSnapshotManager(versionMgr)
	txnMgr := transaction.NewTransactionManager(snapshotMgr, walWriter)

	db := &Database{
		cfg:         cfg,
		store:       store,
		metadata:    metadata,
		txnMgr:      txnMgr,
		snapshot:    snapshotMgr,
		logger:      logger,
		collections: make(map[string]*Collection),
		locks:       make(map[string]*sync.RWMutex),
	}

	if store.IsPersistent() {
		replayed, err := db.recoverFromWAL(walWriter)
		if err != nil {
			return nil, wrapErr(KindIOError, "replay write-ahead log", err)
		}
		if replayed > 0 {
			db.logger.Info().Int("records", replayed).Msg("recovered committed writes from write-ahead log")
		}
	}

	if onDisk < cfg.SchemaVersion || len(cfg.Migrations) > 0 {
		if err := applyMigrations(db, cfg.Migrations, onDisk, cfg.SchemaVersion); err != nil {
			return nil, err
		}
	}

	db.logger.Info().Str("path", cfg.Path).Bool("persistent", store.IsPersistent()).Msg("database opened")
	return db, nil
}

// recoverFromWAL replays every record belonging to a committed
// transaction back onto the primary store and its indexes: a transaction
// whose commit record reached the log must survive a crash even if its
// effects were not yet applied to the B+Tree. Both
// applyReplace and applyDelete are idempotent, so replaying an already
// up-to-date collection is harmless.
func (db *Database) recoverFromWAL(walWriter *wal.WAL) (int, error) {
	records, err := wal.NewRecovery(walWriter).Recover()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, rec := range records {
		collName, id, ok := splitWALKey(string(rec.Key))
		if !ok {
			continue
		}
		col, err := db.Collection(collName)
		if err != nil {
			continue
		}
		switch rec.Type {
		case wal.RecordTypeDelete:
			if err := col.applyDelete(id); err != nil {
				return applied, err
			}
		case wal.RecordTypeInsert, wal.RecordTypeUpdate:
			doc, err := DecodeDocument(rec.Value)
			if err != nil {
				return applied, wrapErr(KindIOError, "decode recovered document", err)
			}
			if err := col.applyReplace(id, doc); err != nil {
				return applied, err
			}
		default:
			continue
		}
		applied++
	}
	return applied, nil
}

// splitWALKey reverses walKey's "collection/id" encoding.
func splitWALKey(key string) (collection string, id NitriteID, ok bool) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return "", 0, false
	}
	var raw uint64
	if _, err := fmt.Sscanf(key[idx+1:], "%d", &raw); err != nil {
		return "", 0, false
	}
	return key[:idx], NitriteID(raw), true
}

// lockFor returns the named per-collection lock, creating it on first use.
func (db *Database) lockFor(name string) *sync.RWMutex {
	db.mu.Lock()
	defer db.mu.Unlock()
	l, ok := db.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		db.locks[name] = l
	}
	return l
}

// Collection returns the named collection, creating it (and its catalog
// entry) lazily on first access.
func (db *Database) Collection(name string) (*Collection, error) {
	if isReservedCollectionName(name) {
		return nil, newErr(KindValidationError, "reserved or invalid collection name: "+name)
	}

	db.mu.Lock()
	if c, ok := db.collections[name]; ok {
		db.mu.Unlock()
		return c, nil
	}
	db.mu.Unlock()

	lock := db.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	db.mu.Lock()
	if c, ok := db.collections[name]; ok {
		db.mu.Unlock()
		return c, nil
	}
	db.mu.Unlock()

	if _, err := db.metadata.EnsureCollection(name); err != nil {
		return nil, err
	}
	primary, err := db.store.OpenMap("$nitrite_collection|" + name)
	if err != nil {
		return nil, wrapErr(KindIOError, "open primary map for collection "+name, err)
	}

	c := newCollection(db, name, primary)

	db.mu.Lock()
	db.collections[name] = c
	db.mu.Unlock()

	db.logger.Debug().Str("collection", name).Msg("collection opened")
	return c, nil
}

// ListCollectionNames returns every collection known to the catalog,
// whether or not it has been opened this process lifetime.
func (db *Database) ListCollectionNames() []string {
	return db.metadata.ListCollections()
}

// DropCollection erases name's primary map, every index map, and its
// catalog entry.
func (db *Database) DropCollection(name string) error {
	lock := db.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	db.mu.Lock()
	c, ok := db.collections[name]
	delete(db.collections, name)
	db.mu.Unlock()

	if ok {
		for _, desc := range c.ListIndexes() {
			indexerFor(desc.Type).DropIndex(c.idxStore, desc)
		}
	}
	if err := db.store.DropMap("$nitrite_collection|" + name); err != nil {
		return wrapErr(KindIOError, "drop primary map for collection "+name, err)
	}
	return db.metadata.DropCollection(name)
}

// BeginSession opens a new transactional Session bound to this database.
func (db *Database) BeginSession() *Session {
	return &Session{db: db}
}

// Commit flushes the underlying store.
func (db *Database) Commit() error {
	return db.store.Commit()
}

// Close releases every resource the database holds.
func (db *Database) Close() error {
	if err := db.txnMgr.Close(); err != nil {
		return err
	}
	return db.store.Close()
}
