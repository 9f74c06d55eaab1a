package escrowledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries  = []byte("entries")
	bucketBalances = []byte("balances")
	bucketRefs     = []byte("refs")
)

// BoltStore persists the ledger in a single bbolt file. Every Commit is one
// bolt write transaction, which gives the all-or-nothing guarantee the
// ledger relies on.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the ledger file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketBalances, bucketRefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the file lock.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Entry(_ context.Context, id common.Hash) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(id.Bytes())
		if raw == nil {
			return ErrNotFound
		}
		e = new(Entry)
		return json.Unmarshal(raw, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *BoltStore) Balance(_ context.Context, account string) (*big.Int, error) {
	out := new(big.Int)
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := readBalance(tx.Bucket(bucketBalances), account)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (s *BoltStore) Reference(_ context.Context, ref string) (common.Hash, bool, error) {
	var (
		h     common.Hash
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketRefs).Get([]byte(ref)); raw != nil {
			h = common.BytesToHash(raw)
			found = true
		}
		return nil
	})
	return h, found, err
}

func (s *BoltStore) PendingEntries(_ context.Context) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, raw []byte) error {
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			if e.Status == StatusPending {
				out = append(out, &e)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Commit(_ context.Context, b *Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		balances := tx.Bucket(bucketBalances)
		for account, delta := range b.Deltas {
			cur, err := readBalance(balances, account)
			if err != nil {
				return err
			}
			cur.Add(cur, delta)
			if cur.Sign() < 0 {
				return ErrInsufficientBalance
			}
			if err := balances.Put([]byte(account), []byte(cur.String())); err != nil {
				return err
			}
		}

		if b.Entry != nil {
			raw, err := json.Marshal(b.Entry)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketEntries).Put(b.Entry.ClaimID.Bytes(), raw); err != nil {
				return err
			}
		}

		if b.Reference != "" {
			return tx.Bucket(bucketRefs).Put([]byte(b.Reference), b.TxHash.Bytes())
		}
		return nil
	})
}

func readBalance(bucket *bolt.Bucket, account string) (*big.Int, error) {
	raw := bucket.Get([]byte(account))
	if raw == nil {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance for %s", account)
	}
	return v, nil
}

var _ Store = (*BoltStore)(nil)
