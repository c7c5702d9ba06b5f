package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	receiptsBucket = "receipts"
	profilesBucket = "profiles"

	maxIDAttempts = 8
)

var (
	// ErrStoreWriteFailed is returned when a record or profile could not be persisted.
	// The caller still holds everything needed to retry.
	ErrStoreWriteFailed = errors.New("store write failed")

	// ErrNotFound is returned when a record or profile does not exist
	ErrNotFound = errors.New("not found")
)

// Store persists receipt records per user
type Store interface {
	// Create assigns an id and timestamp, marks the record Pending and persists it
	Create(ctx context.Context, userID string, c Candidate) (*Record, error)

	// List returns all records of a user in id order
	List(userID string) ([]*Record, error)

	// Get returns a single record
	Get(userID, id string) (*Record, error)

	// SaveProfile writes a user profile
	SaveProfile(p *Profile) error

	// GetProfile reads a user profile
	GetProfile(uid string) (*Profile, error)

	// Close closes the database
	Close() error
}

// IDGenerator generates unique record IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// timestampIDs issues UnixNano ids that strictly increase even when the clock does not
type timestampIDs struct {
	mu   sync.Mutex
	last int64
}

func (g *timestampIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := time.Now().UnixNano()
	if next <= g.last {
		next = g.last + 1
	}
	g.last = next
	return strconv.FormatInt(next, 10)
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// BoltDB implements Store using BoltDB. Records live under receipts/<userID>/<id>.
type BoltDB struct {
	db    *bbolt.DB
	ids   IDGenerator
	clock TimeSource
}

// NewBoltDB opens (or creates) the database at path
func NewBoltDB(path string) (*BoltDB, error) {
	return NewBoltDBWithDeps(path, &timestampIDs{}, systemClock{})
}

// NewBoltDBWithDeps opens the database with custom id and time sources for testing
func NewBoltDBWithDeps(path string, ids IDGenerator, clock TimeSource) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{receiptsBucket, profilesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, ids: ids, clock: clock}, nil
}

// Create persists a new record. The write happens in a single transaction, so readers
// see either nothing or the whole record. A cancelled ctx aborts the write.
func (b *BoltDB) Create(ctx context.Context, userID string, c Candidate) (*Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrStoreWriteFailed)
	}

	rec := &Record{
		Date:          c.Date,
		Type:          ParseType(c.Type),
		Amount:        c.Amount,
		Vehicle:       c.Vehicle,
		VendorName:    c.VendorName,
		Location:      c.Location,
		Status:        StatusPending,
		ExtractedText: c.ExtractedText,
		ImageRef:      c.ImageRef,
		Timestamp:     b.clock.Now().UTC(),
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(receiptsBucket)).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("creating user bucket: %w", err)
		}

		id, err := b.unusedID(bucket)
		if err != nil {
			return err
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return bucket.Put([]byte(id), data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
	}
	return rec, nil
}

// unusedID never hands out a key that already exists, so Create cannot overwrite a record
func (b *BoltDB) unusedID(bucket *bbolt.Bucket) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := b.ids.Generate()
		if id != "" && bucket.Get([]byte(id)) == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("no unused id after %d attempts", maxIDAttempts)
}

// List returns the user's records ordered by id, which is creation order
func (b *BoltDB) List(userID string) ([]*Record, error) {
	records := make([]*Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptsBucket)).Bucket([]byte(userID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling record %s: %w", k, err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Get returns one record of the user
func (b *BoltDB) Get(userID, id string) (*Record, error) {
	var rec *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(receiptsBucket)).Bucket([]byte(userID))
		if bucket == nil {
			return fmt.Errorf("%w: receipt %s", ErrNotFound, id)
		}
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: receipt %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveProfile writes p under its UID
func (b *BoltDB) SaveProfile(p *Profile) error {
	if p.UID == "" {
		return fmt.Errorf("%w: profile uid is required", ErrStoreWriteFailed)
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshaling profile: %w", err)
		}
		return tx.Bucket([]byte(profilesBucket)).Put([]byte(p.UID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
	}
	return nil
}

// GetProfile reads the profile of uid
func (b *BoltDB) GetProfile(uid string) (*Profile, error) {
	var p *Profile
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(profilesBucket)).Get([]byte(uid))
		if data == nil {
			return fmt.Errorf("%w: profile %s", ErrNotFound, uid)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
