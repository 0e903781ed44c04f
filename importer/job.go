package importer

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Job is everything a worker needs to import one archive. Workers open their
// own store connection from DBPath.
type Job struct {
	ImportID    string `json:"importId"`
	TilesetID   string `json:"tilesetId"`
	StyleID     string `json:"styleId"`
	ArchivePath string `json:"archivePath"`
	DBPath      string `json:"dbPath"`
	BatchSize   int    `json:"batchSize"`
}

// The worker protocol is a CBOR sequence: one Job from the pipeline, then
// progress messages from the worker.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("importer: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("importer: CBOR decoder initialization failed: " + err.Error())
	}
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
