package models

// Tile is a content addressed blob. Hash is the hex BLAKE3 digest of Data.
type Tile struct {
	Hash   string `gorm:"column:hash;primaryKey" json:"hash"`
	Data   []byte `gorm:"column:data" json:"-"`
	Length int64  `gorm:"column:length" json:"length"`
}

func (t *Tile) TableName() string {
	return "tiles"
}

// TileData places a blob at an XYZ coordinate of a tileset.
type TileData struct {
	TilesetID string `gorm:"column:tileset_id;primaryKey" json:"tileset_id"`
	Z         int    `gorm:"column:z;primaryKey;autoIncrement:false" json:"z"`
	X         int    `gorm:"column:x;primaryKey;autoIncrement:false" json:"x"`
	Y         int    `gorm:"column:y;primaryKey;autoIncrement:false" json:"y"`
	TileHash  string `gorm:"column:tile_hash;index" json:"tile_hash"`
}

func (t *TileData) TableName() string {
	return "tile_data"
}
