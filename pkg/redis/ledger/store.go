package ledger

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	oreoredis "github.com/iron-fish/oreowallet-mono/pkg/redis"
)

// maxWatchRetries bounds optimistic transaction retries under contention.
const maxWatchRetries = 32

// Store keeps the ledger in Redis. Read-modify-write operations run in
// WATCH/MULTI transactions on the account key.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
	owned  *oreoredis.Client
	now    func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New builds a store on an existing client. Close does not close it.
func New(client *oreoredis.Client, logger *zap.Logger) *Store {
	return &Store{
		rdb:    client.GetClient(),
		logger: logger.With(zap.String("store", "redis")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open connects with opts and returns a store owning the connection.
func Open(ctx context.Context, logger *zap.Logger, opts oreoredis.Options) (*Store, error) {
	client, err := oreoredis.NewClient(ctx, logger, opts)
	if err != nil {
		return nil, errs.New(errs.KindUnavailable, "redis ledger", err)
	}
	s := New(client, logger)
	s.owned = client
	return s, nil
}

func (s *Store) Close() error {
	if s.owned != nil {
		return s.owned.Close()
	}
	return nil
}

func (s *Store) PinGenesis(ctx context.Context, hash string) (string, error) {
	if err := s.rdb.SetNX(ctx, genesisKey, hash, 0).Err(); err != nil {
		return "", classify("pin genesis", err)
	}
	pinned, err := s.rdb.Get(ctx, genesisKey).Result()
	if err != nil {
		return "", classify("read genesis", err)
	}
	return pinned, nil
}

// atomically runs fn under WATCH on keys, retrying when a watched key changed.
func (s *Store) atomically(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return classify(op, err)
	}
	return errs.Unavailable(op, redis.TxFailedErr)
}

// hashReader is satisfied by both the client and a watched transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Store) load(ctx context.Context, c hashReader, address string) (*ledger.Account, error) {
	m, err := c.HGetAll(ctx, accountKey(address)).Result()
	if err != nil {
		return nil, classify("get account "+address, err)
	}
	if len(m) == 0 {
		return nil, errs.NotFoundf("account %s not found", address)
	}
	return decodeAccount(m)
}

func (s *Store) Save(ctx context.Context, acct *ledger.Account, originTag uint32) (string, error) {
	c := acct.Clone()
	c.Name = ledger.AddressToName(c.Address)
	c.OriginTag = originTag
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt

	key := accountKey(c.Address)
	err := s.atomically(ctx, "save account "+c.Address, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errs.Conflictf("account %s already exists", c.Address)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, encodeAccount(c))
			p.Del(ctx, unstableKey(c.Address))
			p.ZAdd(ctx, headsKey, redis.Z{Score: float64(c.Head), Member: c.Address})
			if c.NeedScan {
				p.ZAdd(ctx, needScanKey, redis.Z{Score: float64(c.Head), Member: c.Address})
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return "", err
	}
	return c.Name, nil
}

func (s *Store) Get(ctx context.Context, address string) (*ledger.Account, error) {
	return s.load(ctx, s.rdb, address)
}

func (s *Store) Remove(ctx context.Context, address string) error {
	key := accountKey(address)
	return s.atomically(ctx, "remove account "+address, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NotFoundf("account %s not found", address)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key, unstableKey(address))
			p.ZRem(ctx, headsKey, address)
			p.ZRem(ctx, needScanKey, address)
			return nil
		})
		return err
	}, key)
}

func (s *Store) AdvanceHead(ctx context.Context, address string, from ledger.Checkpoint, head int64, hash string) error {
	key, ukey := accountKey(address), unstableKey(address)
	return s.atomically(ctx, "advance head "+address, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, address)
		if err != nil {
			return err
		}
		if err := ledger.CheckAdvance(cur, from, head, hash); err != nil {
			return err
		}
		if head == cur.Head {
			return nil
		}

		fields, err := tx.HKeys(ctx, ukey).Result()
		if err != nil {
			return err
		}
		stale := make([]string, 0, len(fields))
		for _, f := range fields {
			if seq, err := strconv.ParseInt(f, 10, 64); err == nil && seq <= head {
				stale = append(stale, f)
			}
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fHead, head, fHash, hash, fUpdatedAt, s.now().Format(time.RFC3339Nano))
			p.ZAdd(ctx, headsKey, redis.Z{Score: float64(head), Member: address})
			if cur.NeedScan {
				p.ZAdd(ctx, needScanKey, redis.Z{Score: float64(head), Member: address})
			}
			if len(stale) > 0 {
				p.HDel(ctx, ukey, stale...)
			}
			return nil
		})
		return err
	}, key, ukey)
}

func (s *Store) ResetHead(ctx context.Context, address string, head int64, hash string, needScan bool) error {
	key := accountKey(address)
	return s.atomically(ctx, "reset head "+address, func(tx *redis.Tx) error {
		if _, err := s.load(ctx, tx, address); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fHead, head, fHash, hash, fNeedScan, boolField(needScan),
				fUpdatedAt, s.now().Format(time.RFC3339Nano))
			p.Del(ctx, unstableKey(address))
			p.ZAdd(ctx, headsKey, redis.Z{Score: float64(head), Member: address})
			if needScan {
				p.ZAdd(ctx, needScanKey, redis.Z{Score: float64(head), Member: address})
			} else {
				p.ZRem(ctx, needScanKey, address)
			}
			return nil
		})
		return err
	}, key, unstableKey(address))
}

func (s *Store) SetCreated(ctx context.Context, address string, head int64, hash string) error {
	key := accountKey(address)
	return s.atomically(ctx, "set created "+address, func(tx *redis.Tx) error {
		if _, err := s.load(ctx, tx, address); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fCreateHead, head, fCreateHash, hash, fUpdatedAt, s.now().Format(time.RFC3339Nano))
			return nil
		})
		return err
	}, key)
}

func (s *Store) SetNeedScan(ctx context.Context, address string, flag bool) error {
	key := accountKey(address)
	return s.atomically(ctx, "set need_scan "+address, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, address)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fNeedScan, boolField(flag), fUpdatedAt, s.now().Format(time.RFC3339Nano))
			if flag {
				p.ZAdd(ctx, needScanKey, redis.Z{Score: float64(cur.Head), Member: address})
			} else {
				p.ZRem(ctx, needScanKey, address)
			}
			return nil
		})
		return err
	}, key)
}

func (s *Store) Oldest(ctx context.Context, limit int) ([]*ledger.Account, error) {
	addrs, err := s.rdb.ZRange(ctx, headsKey, 0, stop(limit)).Result()
	if err != nil {
		return nil, classify("oldest accounts", err)
	}
	return s.loadMany(ctx, addrs)
}

func (s *Store) NeedingScan(ctx context.Context, limit int) ([]*ledger.Account, error) {
	addrs, err := s.rdb.ZRange(ctx, needScanKey, 0, stop(limit)).Result()
	if err != nil {
		return nil, classify("accounts needing scan", err)
	}
	return s.loadMany(ctx, addrs)
}

func (s *Store) WithHeadAtLeast(ctx context.Context, start int64) ([]*ledger.Account, error) {
	addrs, err := s.rdb.ZRangeByScore(ctx, headsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(start, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, classify("accounts with head at least", err)
	}
	return s.loadMany(ctx, addrs)
}

func stop(limit int) int64 {
	if limit <= 0 {
		return -1
	}
	return int64(limit) - 1
}

// loadMany fetches accounts in one pipeline, skipping ones removed meanwhile.
func (s *Store) loadMany(ctx context.Context, addrs []string) ([]*ledger.Account, error) {
	if len(addrs) == 0 {
		return []*ledger.Account{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(addrs))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, addr := range addrs {
			cmds[i] = p.HGetAll(ctx, accountKey(addr))
		}
		return nil
	})
	if err != nil {
		return nil, classify("load accounts", err)
	}

	out := make([]*ledger.Account, 0, len(addrs))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		a, err := decodeAccount(m)
		if err != nil {
			s.logger.Warn("Skipping corrupt account", zap.Error(err))
			continue
		}
		out = append(out, a)
	}
	// scores may lag a concurrent update by one pipeline
	ledger.SortByHead(out)
	return out, nil
}

func (s *Store) GetUnstable(ctx context.Context, address string, sequence int64) (*ledger.UnstableAccount, error) {
	v, err := s.rdb.HGet(ctx, unstableKey(address), seqField(sequence)).Result()
	if err != nil {
		return nil, classify("get unstable "+address, err)
	}
	return decodeUnstable(address, seqField(sequence), v)
}

func (s *Store) PutUnstable(ctx context.Context, row *ledger.UnstableAccount) error {
	value, err := encodeUnstable(row)
	if err != nil {
		return errs.New(errs.KindInvalid, "encode unstable row", err)
	}
	key := accountKey(row.Address)
	return s.atomically(ctx, "put unstable "+row.Address, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NotFoundf("account %s not found", row.Address)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, unstableKey(row.Address), seqField(row.Sequence), value)
			return nil
		})
		return err
	}, key)
}

func (s *Store) DeleteUnstable(ctx context.Context, address string, sequence int64) error {
	n, err := s.rdb.HDel(ctx, unstableKey(address), seqField(sequence)).Result()
	if err != nil {
		return classify("delete unstable "+address, err)
	}
	if n == 0 {
		return errs.NotFoundf("unstable row %s@%d not found", address, sequence)
	}
	return nil
}

func (s *Store) ListUnstable(ctx context.Context, address string) ([]*ledger.UnstableAccount, error) {
	m, err := s.rdb.HGetAll(ctx, unstableKey(address)).Result()
	if err != nil {
		return nil, classify("list unstable "+address, err)
	}
	out := make([]*ledger.UnstableAccount, 0, len(m))
	for field, value := range m {
		row, err := decodeUnstable(address, field, value)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
