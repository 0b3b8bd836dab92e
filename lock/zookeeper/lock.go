// Package zookeeper provides a ZooKeeper-backed loyalty.Locker, so several
// engine processes sharing one database never write the same customer at
// the same time.
//
// Each lock is the classic ZooKeeper recipe: every waiter creates an
// ephemeral sequential node under the key's path, the lowest sequence holds
// the lock, and every other waiter watches only its predecessor. Ephemeral
// nodes vanish with the session, so a crashed holder releases its locks.
// The last holder out also removes the key's persistent directory, so the
// tree under the root does not grow with every customer ever written.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"
)

const DefaultRoot = "/loyalty_locks"

// conn is the part of *zk.Conn the locker uses.
type conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// Locker implements loyalty.Locker.
type Locker struct {
	conn   conn
	root   string
	logger zerolog.Logger
}

// Dial connects to the ensemble.
func Dial(servers []string, sessionTimeout time.Duration) (*zk.Conn, error) {
	c, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to zookeeper: %w", err)
	}
	return c, nil
}

// New returns a locker rooted at root, creating the root node if needed.
func New(c conn, root string, logger zerolog.Logger) (*Locker, error) {
	if root == "" {
		root = DefaultRoot
	}
	l := &Locker{conn: c, root: root, logger: logger.With().Str("component", "zk-lock").Logger()}
	if err := l.ensure(root); err != nil {
		return nil, err
	}
	return l, nil
}

// Lock blocks until this process holds key or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	dir := l.root + "/" + url.PathEscape(key)
	node, err := l.create(ctx, dir)
	if err != nil {
		return nil, err
	}
	unlock := func() {
		// ErrNoNode: the session expired and the node is already gone
		if err := l.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			l.logger.Error().Err(err).Str("node", node).Msg("failed to delete lock node")
			return
		}
		l.prune(dir)
	}

	if err := l.await(ctx, dir, node); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

// create adds this waiter's sequential node under dir. Another holder may
// prune dir between ensure and create, in which case it is made again.
func (l *Locker) create(ctx context.Context, dir string) (string, error) {
	for {
		if err := l.ensure(dir); err != nil {
			return "", err
		}
		node, err := l.conn.CreateProtectedEphemeralSequential(dir+"/lock-", nil, zk.WorldACL(zk.PermAll))
		if err == nil {
			return node, nil
		}
		if !errors.Is(err, zk.ErrNoNode) {
			return "", fmt.Errorf("failed to create sequential node: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
}

// prune deletes dir once no waiter is left in it. ErrNotEmpty means another
// process is queued and will prune it later.
func (l *Locker) prune(dir string) {
	err := l.conn.Delete(dir, -1)
	if err == nil || errors.Is(err, zk.ErrNotEmpty) || errors.Is(err, zk.ErrNoNode) {
		return
	}
	l.logger.Warn().Err(err).Str("dir", dir).Msg("failed to prune lock directory")
}

func (l *Locker) await(ctx context.Context, dir, node string) error {
	mine := strings.TrimPrefix(node, dir+"/")
	for {
		children, _, err := l.conn.Children(dir)
		if err != nil {
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		sortBySequence(children)

		idx := -1
		for i, child := range children {
			if child == mine {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			return fmt.Errorf("lock node %s disappeared", node)
		case idx == 0:
			return nil
		}

		exists, _, events, err := l.conn.ExistsW(dir + "/" + children[idx-1])
		if err != nil {
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-events:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Locker) ensure(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur += "/" + p
		ok, _, err := l.conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("check %s: %w", cur, err)
		}
		if ok {
			continue
		}
		if _, err := l.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create %s: %w", cur, err)
		}
	}
	return nil
}

// sortBySequence orders lock nodes by their 10 digit sequence suffix.
// Protected node names carry a random prefix, so plain string order is wrong.
func sortBySequence(children []string) {
	seq := func(name string) string {
		if len(name) < 10 {
			return name
		}
		return name[len(name)-10:]
	}
	sort.Slice(children, func(i, j int) bool { return seq(children[i]) < seq(children[j]) })
}
