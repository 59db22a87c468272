package vsphere

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// TakeScreenshot captures the machine's console: vCenter writes a PNG onto the
// machine's datastore, the adapter downloads its bytes over the datastore HTTP
// endpoint and hands them to the configured payload store. The returned string
// is the store's payload (base64 data or blob URL).
func (c *Client) TakeScreenshot(ctx context.Context, machineUUID string) (string, error) {
	if c.shots == nil {
		return "", errors.New("vsphere: no screenshot store configured")
	}
	vm, err := c.findByUUID(ctx, machineUUID)
	if err != nil {
		return "", err
	}

	var data []byte
	err = c.withRetry(ctx, "take_screenshot", c.cfg.Retries.Default, func() error {
		req := types.CreateScreenshot_Task{This: vm.Reference()}
		res, err := methods.CreateScreenshot_Task(ctx, c.vim, &req)
		if err != nil {
			return err
		}
		info, err := object.NewTask(c.vim, res.Returnval).WaitForResult(ctx, nil)
		if err != nil {
			return err
		}
		dsFile, ok := info.Result.(string)
		if !ok || dsFile == "" {
			return errors.New("screenshot task returned no file path")
		}
		data, err = c.downloadDatastoreFile(ctx, dsFile)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("vsphere: screenshot %s: %w", machineUUID, err)
	}

	name := fmt.Sprintf("%s-%s.png", uuid.New().String(), machineUUID)
	payload, err := c.shots.Store(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("vsphere: store screenshot %s: %w", name, err)
	}
	return payload, nil
}

// downloadDatastoreFile fetches "[datastore] path" over the datastore HTTP
// endpoint.
func (c *Client) downloadDatastoreFile(ctx context.Context, dsFile string) ([]byte, error) {
	var p object.DatastorePath
	if !p.FromString(dsFile) {
		return nil, fmt.Errorf("malformed datastore path %q", dsFile)
	}
	ds, err := c.finder.Datastore(ctx, p.Datastore)
	if err != nil {
		return nil, fmt.Errorf("datastore %q: %w", p.Datastore, err)
	}
	rc, _, err := ds.Download(ctx, p.Path, &soap.DefaultDownload)
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", dsFile, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
