// Package vsphere is the hypervisor adapter: one authenticated vCenter session
// per worker process, with deploy, power, snapshot, screenshot, info and host
// enumeration operations on top of govmomi. Operations retry internally on
// transient failure with a uniform sleep drawn from the configured delay
// window; permanent failure surfaces as a domain error.
package vsphere

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/vmlab/lmunit/internal/blobstore"
	"github.com/vmlab/lmunit/internal/config"
	"github.com/vmlab/lmunit/internal/logging"
	"github.com/vmlab/lmunit/internal/metrics"
)

var (
	// ErrTemplateMissing means the requested template VM does not exist.
	ErrTemplateMissing = errors.New("vsphere: template not found")
	// ErrCloneFailed means the clone task failed after all retries.
	ErrCloneFailed = errors.New("vsphere: clone failed")
	// ErrNotFound means no VM with the given instance uuid exists.
	ErrNotFound = errors.New("vsphere: machine not found")
	// ErrNoNosID means a deployed machine has no derivable nos_id; such a
	// machine is non-operational.
	ErrNoNosID = errors.New("vsphere: machine has no nos_id")
	// ErrNotFrozen means the instant-clone source is not frozen.
	ErrNotFrozen = errors.New("vsphere: instant clone source not frozen")
)

const keepAliveInterval = time.Minute

// Config carries the adapter settings plus the nos_id prefix applied when
// deriving machine identities.
type Config struct {
	config.VSphereConfig
	NosIDPrefix string
}

// Client is the per-process vCenter session.
type Client struct {
	cfg Config

	vim     *vim25.Client
	sess    *session.Manager
	finder  *find.Finder
	dc      *object.Datacenter
	shots   blobstore.Store

	// placement is refreshed periodically by the deploy worker
	mu         sync.Mutex
	datastore  *object.Datastore
	pool       *object.ResourcePool
	baseFolder *object.Folder
}

// New logs in to vCenter and resolves the configured datacenter, base folder,
// datastore and resource pool. shots may be nil when screenshots are not used
// by the process.
func New(ctx context.Context, cfg Config, shots blobstore.Store) (*Client, error) {
	u, err := soap.ParseURL(fmt.Sprintf("https://%s:%d/sdk", cfg.Host, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("vsphere: parse url: %w", err)
	}
	u.User = url.UserPassword(cfg.Username, cfg.Password)

	soapClient := soap.NewClient(u, cfg.Insecure)
	vimClient, err := vim25.NewClient(ctx, soapClient)
	if err != nil {
		return nil, fmt.Errorf("vsphere: create client: %w", err)
	}
	vimClient.RoundTripper = session.KeepAliveHandler(vimClient.RoundTripper, keepAliveInterval,
		func(tripper soap.RoundTripper) error {
			_, err := methods.GetCurrentTime(context.Background(), tripper)
			return err
		})

	sess := session.NewManager(vimClient)
	if err := sess.Login(ctx, u.User); err != nil {
		return nil, fmt.Errorf("vsphere: login: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		vim:    vimClient,
		sess:   sess,
		finder: find.NewFinder(vimClient, false),
		shots:  shots,
	}

	dc, err := c.finder.DatacenterOrDefault(ctx, cfg.Datacenter)
	if err != nil {
		return nil, fmt.Errorf("vsphere: datacenter %q: %w", cfg.Datacenter, err)
	}
	c.dc = dc
	c.finder.SetDatacenter(dc)

	if err := c.RefreshPlacement(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Logout ends the vCenter session.
func (c *Client) Logout(ctx context.Context) error {
	return c.sess.Logout(ctx)
}

// Idle keeps the session warm by asking vCenter for the current time.
func (c *Client) Idle(ctx context.Context) error {
	_, err := methods.GetCurrentTime(ctx, c.vim)
	if err != nil {
		return fmt.Errorf("vsphere: idle: %w", err)
	}
	return nil
}

// RefreshPlacement re-resolves the base folder, resource pool and datastore.
// With no storage name configured the datastore with the most free space wins,
// so long-running workers spread clones as the datastores fill up.
func (c *Client) RefreshPlacement(ctx context.Context) error {
	folder, err := c.finder.FolderOrDefault(ctx, c.cfg.Folder)
	if err != nil {
		return fmt.Errorf("vsphere: folder %q: %w", c.cfg.Folder, err)
	}
	pool, err := c.finder.ResourcePoolOrDefault(ctx, c.cfg.ResourcePool)
	if err != nil {
		return fmt.Errorf("vsphere: resource pool %q: %w", c.cfg.ResourcePool, err)
	}

	var ds *object.Datastore
	if c.cfg.Storage != "" {
		ds, err = c.finder.Datastore(ctx, c.cfg.Storage)
		if err != nil {
			return fmt.Errorf("vsphere: datastore %q: %w", c.cfg.Storage, err)
		}
	} else {
		ds, err = c.mostFreeDatastore(ctx)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.baseFolder = folder
	c.pool = pool
	c.datastore = ds
	c.mu.Unlock()
	return nil
}

func (c *Client) mostFreeDatastore(ctx context.Context) (*object.Datastore, error) {
	all, err := c.finder.DatastoreList(ctx, "*")
	if err != nil {
		return nil, fmt.Errorf("vsphere: list datastores: %w", err)
	}
	refs := make([]types.ManagedObjectReference, 0, len(all))
	for _, d := range all {
		refs = append(refs, d.Reference())
	}
	var infos []mo.Datastore
	pc := property.DefaultCollector(c.vim)
	if err := pc.Retrieve(ctx, refs, []string{"summary"}, &infos); err != nil {
		return nil, fmt.Errorf("vsphere: datastore summaries: %w", err)
	}
	var best *object.Datastore
	var bestFree int64 = -1
	for i, info := range infos {
		if !info.Summary.Accessible {
			continue
		}
		if info.Summary.FreeSpace > bestFree {
			bestFree = info.Summary.FreeSpace
			best = all[i]
		}
	}
	if best == nil {
		return nil, errors.New("vsphere: no accessible datastore")
	}
	return best, nil
}

func (c *Client) placement() (*object.Folder, *object.ResourcePool, *object.Datastore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseFolder, c.pool, c.datastore
}

// findByUUID resolves a VM by instance uuid.
func (c *Client) findByUUID(ctx context.Context, uuid string) (*object.VirtualMachine, error) {
	idx := object.NewSearchIndex(c.vim)
	ref, err := idx.FindByUuid(ctx, c.dc, uuid, true, nil)
	if err != nil {
		return nil, fmt.Errorf("vsphere: find %s: %w", uuid, err)
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return object.NewVirtualMachine(c.vim, ref.Reference()), nil
}

// withRetry runs fn up to tries times, instrumented per operation, sleeping a
// uniform interval from the configured delay window between attempts.
func (c *Client) withRetry(ctx context.Context, op string, tries int, fn func() error) error {
	if tries < 1 {
		tries = 1
	}
	var err error
	for attempt := 1; attempt <= tries; attempt++ {
		started := time.Now()
		err = fn()
		metrics.ObserveAdapterOp(op, time.Since(started), err)
		if err == nil {
			return nil
		}
		logging.Op().Warn("vsphere operation failed",
			"op", op, "attempt", attempt, "of", tries, "error", err)
		if attempt < tries {
			if serr := c.sleepBetweenTries(ctx); serr != nil {
				return serr
			}
		}
	}
	return err
}

func (c *Client) sleepBetweenTries(ctx context.Context) error {
	min := c.cfg.Retries.DelayPeriodMin
	max := c.cfg.Retries.DelayPeriodMax
	if max < min {
		max = min
	}
	d := time.Duration(min)*time.Second +
		time.Duration(rand.Int63n(int64(max-min+1)))*time.Second
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
