package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDuplicate = errors.New("torrent: already added")
	ErrNotFound  = errors.New("torrent: not found")
)

// Client runs several downloads side by side.
type Client struct {
	log      *slog.Logger
	mu       sync.RWMutex
	torrents map[[sha1.Size]byte]*Torrent
	order    [][sha1.Size]byte
}

func NewClient(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		log:      log,
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}
}

// Add parses data and registers the download. Adding the same info hash
// twice fails with ErrDuplicate.
func (c *Client) Add(data []byte, opts *Opts) (*Torrent, error) {
	if opts == nil {
		opts = &Opts{}
	}
	if opts.Logger == nil {
		opts.Logger = c.log
	}

	t, err := New(data, opts)
	if err != nil {
		c.log.Error("failed to add torrent", "error", err, "size", len(data))
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.torrents[t.Metainfo.InfoHash]; ok {
		_ = t.Close()
		return nil, ErrDuplicate
	}

	c.torrents[t.Metainfo.InfoHash] = t
	c.order = append(c.order, t.Metainfo.InfoHash)

	c.log.Debug("added torrent",
		"name", t.Metainfo.Info.Name,
		"info_hash", hex.EncodeToString(t.Metainfo.InfoHash[:]),
		"size", t.Metainfo.Size(),
	)
	return t, nil
}

// Get looks a download up by hex info hash.
func (c *Client) Get(infoHashHex string) (*Torrent, error) {
	key, err := parseInfoHash(infoHashHex)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.torrents[key]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Torrents lists downloads in the order they were added.
func (c *Client) Torrents() []*Torrent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return lo.Map(c.order, func(k [sha1.Size]byte, _ int) *Torrent { return c.torrents[k] })
}

// Remove stops a download, closes its files and forgets it.
func (c *Client) Remove(infoHashHex string) error {
	key, err := parseInfoHash(infoHashHex)
	if err != nil {
		return err
	}

	c.mu.Lock()
	t, ok := c.torrents[key]
	if ok {
		delete(c.torrents, key)
		c.order = lo.Without(c.order, key)
	}
	c.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	c.log.Debug("removing torrent", "name", t.Metainfo.Info.Name, "info_hash", infoHashHex)
	t.Stop()
	return t.Close()
}

// Run downloads every registered torrent concurrently and returns once all
// have finished. A failing download does not stop the others.
func (c *Client) Run(ctx context.Context) error {
	var g errgroup.Group

	for _, t := range c.Torrents() {
		g.Go(func() error {
			if err := t.Run(ctx); err != nil {
				c.log.Error("download failed", "torrent", t.Metainfo.Info.Name, "error", err)
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// Close releases every registered download's files and sockets.
func (c *Client) Close() error {
	var errs []error
	for _, t := range c.Torrents() {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseInfoHash(s string) ([sha1.Size]byte, error) {
	var key [sha1.Size]byte

	b, err := hex.DecodeString(s)
	if err != nil || len(b) != sha1.Size {
		return key, ErrNotFound
	}
	copy(key[:], b)
	return key, nil
}
