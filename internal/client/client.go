// Package client is the typed HTTP client over the daemon's unix socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/blockvault/blockvault/internal/api"
	"github.com/blockvault/blockvault/internal/verror"
)

// Client talks to one daemon socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// New returns a client for the daemon socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// WaitForServer polls the daemon until it answers /info. It retries once a
// second and gives up after retries attempts.
func (c *Client) WaitForServer(retries int) error {
	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			time.Sleep(time.Second)
		}
		var info api.InfoResponse
		if lastErr = c.get("/info", nil, &info); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("daemon at %s did not come up: %v: %w", c.socketPath, lastErr, verror.ErrStartup)
}

func (c *Client) do(method, path string, query url.Values, reqBody, respBody any) error {
	u := "http://localhost" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon at %s: %w", c.socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil || errBody.Error == "" {
			return fmt.Errorf("daemon returned status %d", resp.StatusCode)
		}
		return verror.FromHTTPStatus(resp.StatusCode, errBody.Error)
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to parse daemon response: %w", err)
	}
	return nil
}

func (c *Client) get(path string, query url.Values, respBody any) error {
	return c.do(http.MethodGet, path, query, nil, respBody)
}

func (c *Client) post(path string, reqBody, respBody any) error {
	return c.do(http.MethodPost, path, nil, reqBody, respBody)
}

func (c *Client) delete(path string, query url.Values) error {
	return c.do(http.MethodDelete, path, query, nil, nil)
}

// Info fetches the daemon info document.
func (c *Client) Info() (api.InfoResponse, error) {
	var info api.InfoResponse
	if err := c.get("/info", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// ResolveUUID expands a name or short prefix into a full UUID.
func (c *Client) ResolveUUID(identifier string) (string, error) {
	var resp struct{ UUID string }
	q := url.Values{"identifier": {identifier}}
	if err := c.get("/uuid", q, &resp); err != nil {
		return "", err
	}
	return resp.UUID, nil
}

// CreateVolume creates a volume, or restores one when req.BackupURL is set.
func (c *Client) CreateVolume(req *api.VolumeCreateRequest) (*api.VolumeResponse, error) {
	var vol api.VolumeResponse
	if err := c.post("/volumes/create", req, &vol); err != nil {
		return nil, err
	}
	return &vol, nil
}

// DeleteVolume deletes a volume and all its snapshots.
func (c *Client) DeleteVolume(identifier string) error {
	return c.delete("/volumes/"+url.PathEscape(identifier), nil)
}

// InspectVolume returns one volume record.
func (c *Client) InspectVolume(identifier string) (*api.VolumeResponse, error) {
	var vol api.VolumeResponse
	if err := c.get("/volumes/"+url.PathEscape(identifier), nil, &vol); err != nil {
		return nil, err
	}
	return &vol, nil
}

// ListVolumes returns every volume keyed by UUID.
func (c *Client) ListVolumes() (map[string]api.VolumeResponse, error) {
	volumes := make(map[string]api.VolumeResponse)
	if err := c.get("/volumes/list", nil, &volumes); err != nil {
		return nil, err
	}
	return volumes, nil
}

// MountVolume mounts a volume and returns the mount point.
func (c *Client) MountVolume(identifier, mountPoint string) (string, error) {
	var resp api.MountResponse
	req := &api.VolumeMountRequest{MountPoint: mountPoint}
	if err := c.post("/volumes/"+url.PathEscape(identifier)+"/mount", req, &resp); err != nil {
		return "", err
	}
	return resp.MountPoint, nil
}

// UmountVolume unmounts a volume.
func (c *Client) UmountVolume(identifier string) error {
	return c.post("/volumes/"+url.PathEscape(identifier)+"/umount", struct{}{}, nil)
}

// CreateSnapshot snapshots a volume.
func (c *Client) CreateSnapshot(volumeID, name string) (*api.SnapshotResponse, error) {
	var snap api.SnapshotResponse
	req := &api.SnapshotCreateRequest{VolumeID: volumeID, Name: name}
	if err := c.post("/snapshots/create", req, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// InspectSnapshot returns one snapshot record.
func (c *Client) InspectSnapshot(identifier string) (*api.SnapshotResponse, error) {
	var snap api.SnapshotResponse
	q := url.Values{"snapshot": {identifier}}
	if err := c.get("/snapshots/inspect", q, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteSnapshot deletes one snapshot.
func (c *Client) DeleteSnapshot(identifier string) error {
	return c.delete("/snapshots/delete", url.Values{"snapshot": {identifier}})
}

// CreateBackup uploads a snapshot to a destination and returns the backup
// URL that names it.
func (c *Client) CreateBackup(snapshotID, destURL string) (string, error) {
	var resp api.BackupURLResponse
	req := &api.BackupCreateRequest{SnapshotID: snapshotID, DestURL: destURL}
	if err := c.post("/backups/create", req, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// InspectBackup returns the metadata stored with a backup.
func (c *Client) InspectBackup(backupURL string) (*api.BackupResponse, error) {
	var backup api.BackupResponse
	q := url.Values{"backup": {backupURL}}
	if err := c.get("/backups/inspect", q, &backup); err != nil {
		return nil, err
	}
	return &backup, nil
}

// ListBackups lists the backups at a destination, optionally filtered to
// one origin volume UUID.
func (c *Client) ListBackups(destURL, volumeUUID string) (map[string]*api.BackupResponse, error) {
	q := url.Values{"dest": {destURL}}
	if volumeUUID != "" {
		q.Set("volume", volumeUUID)
	}
	backups := make(map[string]*api.BackupResponse)
	if err := c.get("/backups/list", q, &backups); err != nil {
		return nil, err
	}
	return backups, nil
}

// DeleteBackup removes a backup from its destination.
func (c *Client) DeleteBackup(backupURL string) error {
	return c.delete("/backups/delete", url.Values{"backup": {backupURL}})
}
