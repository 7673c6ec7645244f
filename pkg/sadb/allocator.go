package sadb

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"code.vita-gw.org/keymgr/pkg/ske1"
)

const (
	connectTimeout = 5 * time.Second

	counterBucket = "spiCounter"
	counterKey    = "next"

	// spiModulus/spiOffset mirror ske1.CounterAllocator's in-memory scheme;
	// duplicated here so a durable allocator can be constructed without
	// importing ske1's unexported counter math.
	spiModulus = uint64(1<<32) - 257
	spiOffset  = 256
)

// DurableAllocator is an ske1.Allocator backed by a go.etcd.io/bbolt
// bucket's sequence. Unlike ske1.CounterAllocator, its high-water mark
// survives a Manager restart, so SPI uniqueness holds across process
// lifetimes.
type DurableAllocator struct {
	dbpath string
}

// NewDurableAllocator opens (creating if absent) the counter bucket in the
// bbolt file at dbpath.
func NewDurableAllocator(dbpath string) (*DurableAllocator, error) {
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to SPI counter database")
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(counterBucket))
		return err
	})
	if nil != err {
		return nil, wrapError(err, "failed creating SPI counter bucket")
	}

	return &DurableAllocator{dbpath: dbpath}, nil
}

// NextSPI returns the next ephemeral SPI, persisting the bucket's internal
// sequence so the counter survives a process restart.
func (self *DurableAllocator) NextSPI() (uint32, error) {
	db, err := bolt.Open(self.dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return 0, wrapError(err, "failed connecting to SPI counter database")
	}
	defer db.Close()

	var spi uint32
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(counterBucket))
		if nil == b {
			return newError("missing %s bucket", counterBucket)
		}
		n, err := b.NextSequence()
		if nil != err {
			return wrapError(err, "failed incrementing SPI sequence")
		}
		spi = uint32((n-1)%spiModulus) + spiOffset
		return nil
	})

	return spi, wrapError(err, "failed allocating durable SPI")
}

var _ ske1.Allocator = &DurableAllocator{}
