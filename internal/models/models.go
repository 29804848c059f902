package models

import "time"

type Platform string

const (
	PlatformDesktop Platform = "desktop"
	PlatformMobile  Platform = "mobile"
)

type ItemType string

const (
	ItemFile   ItemType = "file"
	ItemFolder ItemType = "folder"
	ItemText   ItemType = "text"
	ItemMedia  ItemType = "media"
	ItemApp    ItemType = "app"
)

// Peer is a remote node sighted on the LAN. IDs are stable only within a
// discovery session; they derive from the last IP octet or are self-assigned.
type Peer struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	Platform Platform  `json:"platform"`
	OS       string    `json:"os,omitempty"`
	Brand    string    `json:"brand,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// DiscoveryPacket is the UDP broadcast payload.
type DiscoveryPacket struct {
	Type     string   `json:"type"`
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	IP       string   `json:"ip"`
	Port     int      `json:"port"`
	Platform Platform `json:"platform"`
	OS       string   `json:"os,omitempty"`
	Brand    string   `json:"brand,omitempty"`
}

// ServerInfo is the identity returned by GET /get-server-info.
type ServerInfo struct {
	IP       string   `json:"ip"`
	Port     int      `json:"port"`
	Name     string   `json:"name"`
	Hostname string   `json:"hostname"`
	ID       string   `json:"id"`
	Platform Platform `json:"platform"`
	OS       string   `json:"os,omitempty"`
}

// FileMeta describes one file in a transfer manifest.
type FileMeta struct {
	Name  string   `json:"name"`
	Size  int64    `json:"size"`
	Type  ItemType `json:"type"`
	Index int      `json:"index"`
}

// TransferItem is one unit to send. Size is 0 for a folder placeholder.
// Exactly one of Path and Content is set: Content carries text items.
type TransferItem struct {
	Name    string   `json:"name"`
	Size    int64    `json:"size"`
	Type    ItemType `json:"type"`
	Path    string   `json:"path,omitempty"`
	Content string   `json:"content,omitempty"`
}

// OutgoingRequest is a pairing request this node initiated toward a
// polling-style peer; the peer discovers it via /check-pairing-requests.
type OutgoingRequest struct {
	PeerID    string     `json:"deviceId"`
	PeerIP    string     `json:"deviceIp"`
	Files     []FileMeta `json:"files,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// PendingDownload is a pull-mode registration: the listed files are served
// to the peer one /download request at a time, in index order.
type PendingDownload struct {
	PeerID    string
	Files     []PullFile
	CreatedAt time.Time
}

// PullFile is one servable file of a PendingDownload.
type PullFile struct {
	Name  string   `json:"name"`
	Size  int64    `json:"size"`
	Type  ItemType `json:"type"`
	Index int      `json:"index"`
	Path  string   `json:"-"`
}

// Progress is the payload of transfer-progress and upload-progress events.
// Fractions are in [0,1]; Speed is left to the consumer to derive.
type Progress struct {
	DeviceID       string  `json:"deviceId"`
	Progress       float64 `json:"progress"`
	FileProgress   float64 `json:"fileProgress"`
	Speed          float64 `json:"speed"`
	CurrentFile    string  `json:"currentFile"`
	CurrentIndex   int     `json:"currentIndex"`
	TotalFiles     int     `json:"totalFiles"`
	ProcessedBytes int64   `json:"processedBytes"`
	TotalBytes     int64   `json:"totalBytes"`
}

// TransferHistory is one persisted history row.
type TransferHistory struct {
	ID        string    `json:"id"`
	FileName  string    `json:"fileName"`
	FileSize  int64     `json:"fileSize"`
	Direction string    `json:"direction"` // send, receive
	PeerID    string    `json:"peerId"`
	PeerName  string    `json:"peerName"`
	Status    string    `json:"status"` // completed, failed, cancelled
	Timestamp time.Time `json:"timestamp"`
}
