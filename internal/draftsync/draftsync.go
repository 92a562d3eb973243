package draftsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"permitline/internal/domain"
	"permitline/internal/remote"
)

const (
	DefaultInterval    = 30 * time.Second
	defaultPushTimeout = 5 * time.Second
)

// LocalStore is the durable local write each tick must land. It is the
// availability floor: its failure is the only one worth logging loudly.
type LocalStore interface {
	Save(ctx context.Context, d domain.PermitDraft) error
}

// Pusher sends a snapshot to the remote draft slot, best-effort.
type Pusher interface {
	Push(ctx context.Context, d domain.PermitDraft) error
}

// HTTPPusher PUTs serialized drafts to {URL}/{permitNumber}.
type HTTPPusher struct {
	URL        string
	HTTPClient *http.Client
	Auth       remote.TokenMinter
}

func (p HTTPPusher) Push(ctx context.Context, d domain.PermitDraft) error {
	if p.URL == "" {
		return fmt.Errorf("draft sync url not configured")
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultPushTimeout}
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	url := strings.TrimRight(p.URL, "/") + "/" + d.PermitNumber
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := p.Auth.Authorize(req, "draft-sync"); err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("draft push status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Controller snapshots the draft on a fixed interval: local durable
// write first, then a fire-and-forget remote push. A slow or failed
// push never delays the next local write; the remote outcome is only
// surfaced through the status callback.
type Controller struct {
	Interval time.Duration
	Source   func() (domain.PermitDraft, bool)
	Local    LocalStore
	Remote   Pusher
	OnStatus func(status string)

	cancel   context.CancelFunc
	done     chan struct{}
	inFlight atomic.Bool
}

// Start begins the autosave loop. The loop stops when ctx is canceled
// or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop cancels the loop and waits for it to exit. In-flight remote
// pushes are abandoned; the local store already has the snapshot.
func (c *Controller) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick performs one autosave pass: read whatever the draft store
// contains at fire time, write it locally, then push remotely without
// blocking. Exposed for callers that want an immediate flush.
func (c *Controller) Tick(ctx context.Context) {
	d, ok := c.Source()
	if !ok || d.Empty() {
		return
	}
	if err := c.Local.Save(ctx, d); err != nil {
		log.Printf("autosave: local write failed for %s: %v", d.PermitNumber, err)
		return
	}
	if c.Remote == nil {
		c.status(domain.SyncPending)
		return
	}
	// one outstanding push at a time; a newer snapshot supersedes a
	// stale in-flight one on the next tick
	if !c.inFlight.CompareAndSwap(false, true) {
		c.status(domain.SyncPending)
		return
	}
	c.status(domain.SyncPending)
	go func(snapshot domain.PermitDraft) {
		defer c.inFlight.Store(false)
		if err := c.Remote.Push(ctx, snapshot); err != nil {
			if ctx.Err() == nil {
				log.Printf("autosave: remote push failed for %s: %v", snapshot.PermitNumber, err)
			}
			c.status(domain.SyncOffline)
			return
		}
		c.status(domain.SyncSynced)
	}(d)
}

func (c *Controller) status(s string) {
	if c.OnStatus != nil {
		c.OnStatus(s)
	}
}
