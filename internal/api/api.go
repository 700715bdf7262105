// Package api holds the request and response bodies shared between the
// daemon and the client. Field names are part of the wire contract and
// marshal capitalized, matching the on-disk volume records.
package api

import "github.com/blockvault/blockvault/internal/objectstore"

// VolumeCreateRequest asks the daemon to create a volume. All fields are
// optional; empty Size falls back to the daemon default, a set BackupURL
// restores the volume from that backup instead of creating it blank.
type VolumeCreateRequest struct {
	Name      string
	Size      string
	BackupURL string
	Driver    string
}

// VolumeMountRequest asks the daemon to mount a volume. MountPoint may be
// empty, in which case the daemon picks a directory under its mounts root.
type VolumeMountRequest struct {
	MountPoint string
}

// SnapshotCreateRequest asks the daemon to snapshot a volume.
type SnapshotCreateRequest struct {
	VolumeID string
	Name     string
}

// BackupCreateRequest asks the daemon to upload a snapshot to a
// destination URL.
type BackupCreateRequest struct {
	SnapshotID string
	DestURL    string
}

// SnapshotResponse describes one snapshot of a volume.
type SnapshotResponse struct {
	UUID        string
	VolumeUUID  string
	VolumeName  string
	Name        string
	CreatedTime string
}

// VolumeResponse describes one volume with its snapshots keyed by UUID.
type VolumeResponse struct {
	UUID        string
	Name        string
	Driver      string
	Size        int64
	MountPoint  string
	CreatedTime string
	Snapshots   map[string]SnapshotResponse `json:",omitempty"`
}

// BackupResponse mirrors objectstore.Backup on the wire.
type BackupResponse = objectstore.Backup

// BackupURLResponse is returned by backup create: the URL that names the
// new backup at its destination.
type BackupURLResponse struct {
	URL string
}

// MountResponse is returned by mount: where the volume ended up.
type MountResponse struct {
	MountPoint string
}

// InfoResponse is the daemon info document: a General section plus one
// section per loaded driver, keyed by driver name.
type InfoResponse map[string]map[string]string

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string
}
