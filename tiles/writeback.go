package tiles

import (
	"bytes"
	"context"
	"time"

	"github.com/khankhulgun/offlinemap/models"
	"github.com/klauspost/compress/gzip"
)

const writeBackTimeout = 30 * time.Second

// storeUpstreamTile saves a tile fetched upstream without holding up the
// response. Vector tiles are stored gzipped like imported archives store them.
func (r *Resolver) storeUpstreamTile(ts *models.Tileset, z, x, y int, data []byte) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()

		payload := data
		if ts.Format == models.FormatVector && !isGzip(data) {
			compressed, err := gzipBytes(data)
			if err != nil {
				r.log.WithField("tileset", ts.ID).Warnf("gzip tile %d/%d/%d: %v", z, x, y, err)
				return
			}
			payload = compressed
		}
		if err := r.store.Put(ctx, ts.ID, z, x, y, payload); err != nil {
			r.log.WithField("tileset", ts.ID).Warnf("write back tile %d/%d/%d: %v", z, x, y, err)
			return
		}
		r.log.WithField("tileset", ts.ID).Debugf("stored upstream tile %d/%d/%d, %.2f kb", z, x, y, float32(len(payload))/1024.0)
	}()
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
