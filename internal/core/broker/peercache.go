package broker

// peercache.go memoizes resolve_entity results across restarts (spec.md
// §4.1 "resolve_entity"), adapted from
// internal/infra/telegram/peersmgr.Service: same bbolt-backed
// gotd/contrib peer storage, wired this time through peers.Options so
// the manager's own Apply calls persist (peersmgr.Service built its
// peers.Manager with a zero Options, leaving the bbolt store populated
// but never consulted by the manager itself).

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const peerCacheBucket = "resolved_peers"

var peerCacheBucketBytes = []byte(peerCacheBucket)

// PeerCache is the durable resolve_entity memoization layer. Nil-safe:
// every Broker method using it tolerates a nil *PeerCache.
type PeerCache struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	mgr   *peers.Manager
}

// NewPeerCache opens (or creates) the cache database at dbPath against
// api, the live client whose peer resolutions it will remember.
func NewPeerCache(api *tg.Client, dbPath string) (*PeerCache, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("peercache: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("peercache: open db: %w", err)
	}

	store := bboltdb.NewPeerStorage(db, peerCacheBucketBytes)
	return &PeerCache{
		db:    db,
		store: store,
		mgr:   (peers.Options{Storage: store}).Build(api),
	}, nil
}

// Close releases the underlying database file.
func (c *PeerCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func dialogKindFor(kind EntityKind) (dialogs.Kind, bool) {
	switch kind {
	case EntityUser:
		return dialogs.User, true
	case EntityGroup:
		return dialogs.Chat, true
	case EntityMegagroup, EntityBroadcast:
		return dialogs.Channel, true
	default:
		return 0, false
	}
}

// Lookup returns a previously Remember-ed entity by (kind, id), without
// a network round-trip.
func (c *PeerCache) Lookup(ctx context.Context, kind EntityKind, id int64) (Entity, bool, error) {
	if c == nil {
		return Entity{}, false, nil
	}
	dkind, ok := dialogKindFor(kind)
	if !ok {
		return Entity{}, false, nil
	}

	value, err := c.store.Find(ctx, contribstorage.PeerKey{Kind: dkind, ID: id})
	if errors.Is(err, contribstorage.ErrPeerNotFound) {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, fmt.Errorf("peercache: find: %w", err)
	}
	return entityFromStoredPeer(value), true, nil
}

func entityFromStoredPeer(p contribstorage.Peer) Entity {
	switch {
	case p.User != nil:
		return Entity{Kind: EntityUser, ID: p.User.ID, AccessHash: p.User.AccessHash, Username: p.User.Username, DisplayName: p.User.FirstName}
	case p.Channel != nil:
		kind := EntityMegagroup
		if p.Channel.Broadcast {
			kind = EntityBroadcast
		}
		return Entity{Kind: kind, ID: p.Channel.ID, AccessHash: p.Channel.AccessHash, Username: p.Channel.Username, DisplayName: p.Channel.Title, IsCreator: p.Channel.Creator}
	case p.Chat != nil:
		return Entity{Kind: EntityGroup, ID: p.Chat.ID, DisplayName: p.Chat.Title, IsCreator: p.Chat.Creator}
	default:
		return Entity{}
	}
}

// Remember persists e so a later Lookup with the same (kind, id) avoids a
// fresh resolve_entity round-trip.
func (c *PeerCache) Remember(ctx context.Context, e Entity) error {
	if c == nil {
		return nil
	}
	switch e.Kind {
	case EntityUser:
		return c.mgr.Apply(ctx, []tg.UserClass{&tg.User{ID: e.ID, AccessHash: e.AccessHash, Username: e.Username, FirstName: e.DisplayName}}, nil)
	case EntityGroup:
		return c.mgr.Apply(ctx, nil, []tg.ChatClass{&tg.Chat{ID: e.ID, Title: e.DisplayName, Creator: e.IsCreator}})
	case EntityMegagroup, EntityBroadcast:
		return c.mgr.Apply(ctx, nil, []tg.ChatClass{&tg.Channel{
			ID:         e.ID,
			AccessHash: e.AccessHash,
			Username:   e.Username,
			Title:      e.DisplayName,
			Creator:    e.IsCreator,
			Broadcast:  e.Kind == EntityBroadcast,
		}})
	default:
		return nil
	}
}
