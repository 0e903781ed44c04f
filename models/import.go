package models

import "time"

const (
	ImportActive   = "active"
	ImportComplete = "complete"
	ImportError    = "error"

	ImportErrorUnknown = "UNKNOWN"
	ImportErrorTimeout = "TIMEOUT"
)

type Import struct {
	ID                string     `gorm:"column:id;primaryKey" json:"id"`
	TilesetID         string     `gorm:"column:tileset_id;index" json:"tilesetId"`
	StyleID           string     `gorm:"column:style_id" json:"styleId,omitempty"`
	State             string     `gorm:"column:state" json:"state"`
	Error             *string    `gorm:"column:error" json:"error"`
	ImportedResources int64      `gorm:"column:imported_resources" json:"importedResources"`
	TotalResources    int64      `gorm:"column:total_resources" json:"totalResources"`
	ImportedBytes     int64      `gorm:"column:imported_bytes" json:"importedBytes"`
	TotalBytes        int64      `gorm:"column:total_bytes" json:"totalBytes"`
	Started           time.Time  `gorm:"column:started" json:"started"`
	Finished          *time.Time `gorm:"column:finished" json:"finished"`
	LastUpdated       time.Time  `gorm:"column:last_updated" json:"lastUpdated"`
}

func (i *Import) TableName() string {
	return "imports"
}

// Progress message types. The same shape travels from the worker to the
// pipeline and from the pipeline to stream subscribers.
const (
	MessageProgress = "progress"
	MessageComplete = "complete"
	MessageError    = "error"
)

type ProgressMessage struct {
	Type       string `json:"type"`
	ImportID   string `json:"importId"`
	SoFar      int64  `json:"soFar"`
	Total      int64  `json:"total"`
	BytesSoFar int64  `json:"bytesSoFar,omitempty"`
	BytesTotal int64  `json:"bytesTotal,omitempty"`
}

// Terminal reports whether m ends its import's message sequence.
func (m ProgressMessage) Terminal() bool {
	return m.Type == MessageComplete || m.Type == MessageError
}

// TerminalMessage rebuilds the last message of a finished import from its row.
func (i *Import) TerminalMessage() (ProgressMessage, bool) {
	switch i.State {
	case ImportComplete:
		return ProgressMessage{Type: MessageComplete, ImportID: i.ID, SoFar: i.TotalResources, Total: i.TotalResources,
			BytesSoFar: i.ImportedBytes, BytesTotal: i.TotalBytes}, true
	case ImportError:
		return ProgressMessage{Type: MessageError, ImportID: i.ID, SoFar: i.ImportedResources, Total: i.TotalResources,
			BytesSoFar: i.ImportedBytes, BytesTotal: i.TotalBytes}, true
	}
	return ProgressMessage{}, false
}
