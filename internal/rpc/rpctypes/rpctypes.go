// Package rpctypes defines the JSON resources and partial-update
// variants exchanged over the RPC surface: one full resource per
// {server, torrent, peer, file, piece, tracker}, plus the tagged
// union of incremental updates a subscribed client receives as state
// changes.
package rpctypes

import "time"

// ResourceType tags a full resource object's "type" field.
type ResourceType string

const (
	ResourceServer  ResourceType = "server"
	ResourceTorrent ResourceType = "torrent"
	ResourcePeer    ResourceType = "peer"
	ResourceFile    ResourceType = "file"
	ResourcePiece   ResourceType = "piece"
	ResourceTracker ResourceType = "tracker"
)

// Server is the process-wide resource: one per daemon.
type Server struct {
	Type          ResourceType `json:"type"`
	ID            string       `json:"id"`
	RateUp        int64        `json:"rate_up"`
	RateDown      int64        `json:"rate_down"`
	ThrottleUp    int64        `json:"throttle_up"`
	ThrottleDown  int64        `json:"throttle_down"`
	StartedAt     time.Time    `json:"started_at"`
}

// Torrent is one torrent's full resource snapshot.
type Torrent struct {
	Type             ResourceType `json:"type"`
	ID               string       `json:"id"`
	InfoHash         string       `json:"info_hash"`
	Name             string       `json:"name"`
	Status           string       `json:"status"`
	Error            string       `json:"error,omitempty"`
	Length           int64        `json:"length"`
	BytesComplete    int64        `json:"bytes_complete"`
	BytesIncomplete  int64        `json:"bytes_incomplete"`
	BytesDownloaded  int64        `json:"bytes_downloaded"`
	BytesUploaded    int64        `json:"bytes_uploaded"`
	BytesWasted      int64        `json:"bytes_wasted"`
	SeededFor        time.Duration `json:"seeded_for"`
	Path             string       `json:"path"`
	UserData         string       `json:"user_data,omitempty"`
}

// Peer is one connected remote peer's full resource snapshot.
type Peer struct {
	Type        ResourceType `json:"type"`
	ID          string       `json:"id"`
	TorrentID   string       `json:"torrent_id"`
	Addr        string       `json:"addr"`
	Client      string       `json:"client,omitempty"`
	Source      string       `json:"source"`
	Downloading bool         `json:"downloading"`
	RateUp      int64        `json:"rate_up"`
	RateDown    int64        `json:"rate_down"`
}

// File is one file within a torrent's full resource snapshot.
type File struct {
	Type      ResourceType `json:"type"`
	ID        string       `json:"id"`
	TorrentID string       `json:"torrent_id"`
	Path      string       `json:"path"`
	Length    int64        `json:"length"`
	Progress  int64        `json:"progress"`
	Priority  int          `json:"priority"`
}

// Piece is one piece within a torrent's full resource snapshot.
type Piece struct {
	Type      ResourceType `json:"type"`
	ID        string       `json:"id"`
	TorrentID string       `json:"torrent_id"`
	Index     uint32       `json:"index"`
	Length    uint32       `json:"length"`
	Available int          `json:"available"`
	Done      bool         `json:"done"`
}

// Tracker is one tracker within a torrent's full resource snapshot.
type Tracker struct {
	Type      ResourceType `json:"type"`
	ID        string       `json:"id"`
	TorrentID string       `json:"torrent_id"`
	URL       string       `json:"url"`
	Status    string       `json:"status"`
	Error     string       `json:"error,omitempty"`
	Leechers  int32        `json:"leechers"`
	Seeders   int32        `json:"seeders"`
}

// Update is implemented by every partial-update variant; Kind
// discriminates them on the wire via the envelope's "kind" field, set
// by Wrap (see envelope.go).
type Update interface {
	Kind() string
}

// PathUpdateKind distinguishes the two CResourceUpdate.Path variants.
type PathUpdateKind string

const (
	PathMove           PathUpdateKind = "move"
	PathMoveSkipFiles  PathUpdateKind = "move_skip_files"
)

// PathUpdate is the client-supplied instruction to relocate a
// torrent's data, optionally skipping files that already exist at the
// destination.
type PathUpdate struct {
	Kind PathUpdateKind `json:"kind"`
	Dest string         `json:"dest"`
}

// CResourceUpdate is the client→server partial update envelope: every
// field besides ID is optional and only applied when non-nil.
type CResourceUpdate struct {
	ID            string      `json:"id"`
	Path          *PathUpdate `json:"path,omitempty"`
	Priority      *int        `json:"priority,omitempty"`
	Strategy      *string     `json:"strategy,omitempty"`
	ThrottleUp    *int64      `json:"throttle_up,omitempty"`
	ThrottleDown  *int64      `json:"throttle_down,omitempty"`
	UserData      *string     `json:"user_data,omitempty"`
}
