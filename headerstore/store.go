package headerstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	// Register the bbolt walletdb driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/spvd/headerchain"
)

const (
	// DefaultDBFileName is the file name of the header database inside
	// the data directory.
	DefaultDBFileName = "headers.db"

	// dbFilePermission is the permission the data directory is created
	// with.
	dbFilePermission = 0700

	// tipHeightType is the TLV type of the tip height in the meta record.
	tipHeightType tlv.Type = 0

	// tipHashType is the TLV type of the tip hash in the meta record.
	tipHashType tlv.Type = 1
)

var (
	// headerBucket maps a big endian height to the serialized header at
	// that height.
	headerBucket = []byte("block-headers")

	// metaBucket houses bookkeeping records of the store.
	metaBucket = []byte("header-meta")

	// tipKey is the key of the TLV encoded tip record in metaBucket.
	tipKey = []byte("tip")

	// ErrCorruptedHeaderStore is returned when the bucket structure of the
	// database was altered after the store was initialized.
	ErrCorruptedHeaderStore = errors.New("header store has been corrupted")

	// ErrNoTip is returned by Tip if no header was ever persisted.
	ErrNoTip = errors.New("header store is empty")
)

// Config describes where and how the header database is opened.
type Config struct {
	// DBPath is the directory the database file lives in.
	DBPath string

	// DBFileName is the name of the database file.
	DBFileName string

	// NoFreelistSync skips syncing the bbolt freelist to disk.
	NoFreelistSync bool

	// DBTimeout bounds how long opening waits for the file lock.
	DBTimeout time.Duration

	// ReadOnly opens the database without write access.
	ReadOnly bool
}

// Store persists the best header chain between runs.
type Store struct {
	db kvdb.Backend
}

// Open opens, or creates, the header database described by cfg.
func Open(cfg *Config) (*Store, error) {
	fileName := cfg.DBFileName
	if fileName == "" {
		fileName = DefaultDBFileName
	}
	timeout := cfg.DBTimeout
	if timeout == 0 {
		timeout = kvdb.DefaultDBTimeout
	}

	if !cfg.ReadOnly {
		err := os.MkdirAll(cfg.DBPath, dbFilePermission)
		if err != nil {
			return nil, err
		}
	}

	dbFile := filepath.Join(cfg.DBPath, fileName)

	var (
		db  kvdb.Backend
		err error
	)
	if cfg.ReadOnly {
		db, err = kvdb.Open(
			kvdb.BoltBackendName, dbFile, cfg.NoFreelistSync,
			timeout, true,
		)
	} else {
		db, err = kvdb.Create(
			kvdb.BoltBackendName, dbFile, cfg.NoFreelistSync,
			timeout, false,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open header db %v: %w",
			dbFile, err)
	}

	store, err := New(db, cfg.ReadOnly)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Opened header store at %v", dbFile)

	return store, nil
}

// New wraps an already opened backend. Unless readOnly is set the buckets are
// created if missing.
func New(db kvdb.Backend, readOnly bool) (*Store, error) {
	s := &Store{db: db}
	if readOnly {
		return s, nil
	}

	if err := s.initBuckets(); err != nil {
		return nil, err
	}

	return s, nil
}

// initBuckets ensures the buckets used by the store exist so that we can
// assume their existence after startup.
func (s *Store) initBuckets() error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(headerBucket)
		if err != nil {
			return err
		}

		_, err = tx.CreateTopLevelBucket(metaBucket)
		return err
	}, func() {})
}

// heightKey returns the bucket key of height.
func heightKey(height int32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(height))

	return key[:]
}

// Load returns every persisted header in ascending height order.
func (s *Store) Load() ([]headerchain.StoredHeader, error) {
	var headers []headerchain.StoredHeader
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(headerBucket)
		if bucket == nil {
			return ErrCorruptedHeaderStore
		}

		return kvdb.ForAll(bucket, func(k, v []byte) error {
			if len(k) != 4 {
				return fmt.Errorf("%w: key of length %d",
					ErrCorruptedHeaderStore, len(k))
			}

			var header wire.BlockHeader
			err := header.Deserialize(bytes.NewReader(v))
			if err != nil {
				return fmt.Errorf("%w: height %d: %v",
					ErrCorruptedHeaderStore,
					binary.BigEndian.Uint32(k), err)
			}

			headers = append(headers, headerchain.StoredHeader{
				Height: int32(binary.BigEndian.Uint32(k)),
				Header: header,
			})

			return nil
		})
	}, func() {
		headers = nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Loaded %d headers from the store", len(headers))

	return headers, nil
}

// PersistHeaders removes every header above ancestor and writes headers in its
// place, all in one transaction. Passing no headers only truncates.
func (s *Store) PersistHeaders(ancestor int32,
	headers []headerchain.StoredHeader) error {

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(headerBucket)
		meta := tx.ReadWriteBucket(metaBucket)
		if bucket == nil || meta == nil {
			return ErrCorruptedHeaderStore
		}

		// Collect first, deleting under a live cursor skips keys.
		var stale [][]byte
		cursor := bucket.ReadCursor()
		start := heightKey(ancestor + 1)
		for k, _ := cursor.Seek(start); k != nil; k, _ = cursor.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		tipHeight := ancestor
		for _, sh := range headers {
			if sh.Height <= ancestor {
				return fmt.Errorf("header at height %d is not "+
					"above ancestor %d", sh.Height,
					ancestor)
			}

			// bbolt keeps the value slice until commit, so every
			// header needs its own buffer.
			var buf bytes.Buffer
			buf.Grow(wire.MaxBlockHeaderPayload)
			if err := sh.Header.Serialize(&buf); err != nil {
				return err
			}

			err := bucket.Put(heightKey(sh.Height), buf.Bytes())
			if err != nil {
				return err
			}

			tipHeight = max(tipHeight, sh.Height)
		}

		tipHash, err := tipHashAt(bucket, tipHeight)
		if err != nil {
			return err
		}
		if tipHash == nil {
			return meta.Delete(tipKey)
		}

		return putTip(meta, tipHeight, *tipHash)
	}, func() {})
}

// tipHashAt returns the hash of the header stored at height, or nil if there
// is none.
func tipHashAt(bucket kvdb.RBucket, height int32) (*chainhash.Hash, error) {
	if height < 0 {
		return nil, nil
	}

	v := bucket.Get(heightKey(height))
	if v == nil {
		return nil, nil
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(v)); err != nil {
		return nil, fmt.Errorf("%w: height %d: %v",
			ErrCorruptedHeaderStore, height, err)
	}

	hash := header.BlockHash()
	return &hash, nil
}

// tipStream returns the TLV stream of the tip record.
func tipStream(height *uint32, hash *[32]byte) (*tlv.Stream, error) {
	return tlv.NewStream(
		tlv.MakePrimitiveRecord(tipHeightType, height),
		tlv.MakePrimitiveRecord(tipHashType, hash),
	)
}

// putTip writes the tip record.
func putTip(meta kvdb.RwBucket, height int32, hash chainhash.Hash) error {
	h := uint32(height)
	rawHash := [32]byte(hash)

	stream, err := tipStream(&h, &rawHash)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return err
	}

	return meta.Put(tipKey, b.Bytes())
}

// Tip returns the height and hash of the highest persisted header.
func (s *Store) Tip() (int32, chainhash.Hash, error) {
	var (
		height  uint32
		rawHash [32]byte
	)
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		meta := tx.ReadBucket(metaBucket)
		if meta == nil {
			return ErrCorruptedHeaderStore
		}

		v := meta.Get(tipKey)
		if v == nil {
			return ErrNoTip
		}

		stream, err := tipStream(&height, &rawHash)
		if err != nil {
			return err
		}

		return stream.Decode(bytes.NewReader(v))
	}, func() {})
	if err != nil {
		return 0, chainhash.Hash{}, err
	}

	return int32(height), chainhash.Hash(rawHash), nil
}

// HeaderByHeight returns the persisted header at height.
func (s *Store) HeaderByHeight(height int32) (*wire.BlockHeader, error) {
	var header *wire.BlockHeader
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(headerBucket)
		if bucket == nil {
			return ErrCorruptedHeaderStore
		}

		v := bucket.Get(heightKey(height))
		if v == nil {
			return fmt.Errorf("%w: %d", headerchain.ErrUnknownHeight,
				height)
		}

		header = &wire.BlockHeader{}
		return header.Deserialize(bytes.NewReader(v))
	}, func() {
		header = nil
	})
	if err != nil {
		return nil, err
	}

	return header, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
