package models

import "time"

type Style struct {
	ID             string        `gorm:"column:id;primaryKey" json:"id"`
	Name           string        `gorm:"column:name" json:"name"`
	Document       string        `gorm:"column:document;type:text" json:"-"`
	UpstreamGlyphs string        `gorm:"column:upstream_glyphs" json:"-"`
	UpstreamSprite string        `gorm:"column:upstream_sprite" json:"-"`
	CreatedAt      time.Time     `gorm:"column:created_at" json:"-"`
	UpdatedAt      time.Time     `gorm:"column:updated_at" json:"-"`
	Sources        []StyleSource `gorm:"foreignKey:StyleID" json:"-"`
	BytesStored    int64         `gorm:"-" json:"bytesStored"`
	URL            string        `gorm:"-" json:"url,omitempty"`
}

func (s *Style) TableName() string {
	return "styles"
}

// StyleSource is one edge of the style to tileset reference graph. A row
// exists for every style source that was rewritten to a local tileset.
type StyleSource struct {
	StyleID    string `gorm:"column:style_id;primaryKey" json:"style_id"`
	SourceName string `gorm:"column:source_name;primaryKey" json:"source_name"`
	TilesetID  string `gorm:"column:tileset_id;index" json:"tileset_id"`
}

func (s *StyleSource) TableName() string {
	return "style_sources"
}
