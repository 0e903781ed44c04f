package tiles

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the glyphs PBF schema:
//
//	glyphs    { repeated fontstack stacks = 1 }
//	fontstack { string name = 1; string range = 2; repeated glyph glyphs = 3 }
//	glyph     { uint32 id = 1; ... }
const (
	glyphsStacks    protowire.Number = 1
	fontstackName   protowire.Number = 1
	fontstackRange  protowire.Number = 2
	fontstackGlyphs protowire.Number = 3
	glyphID         protowire.Number = 1
)

// combineGlyphs merges glyph PBFs. The first font providing a code point
// wins. A single input is returned unchanged.
func combineGlyphs(fonts [][]byte, names []string, glyphRange string) ([]byte, error) {
	switch len(fonts) {
	case 0:
		return nil, errNoGlyphs
	case 1:
		return fonts[0], nil
	}

	merged := map[uint64][]byte{}
	for i, data := range fonts {
		glyphs, err := readGlyphs(data)
		if err != nil {
			return nil, fmt.Errorf("parse glyphs of %s: %w", names[i], err)
		}
		for id, raw := range glyphs {
			if _, ok := merged[id]; !ok {
				merged[id] = raw
			}
		}
	}

	ids := make([]uint64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var stack []byte
	stack = protowire.AppendTag(stack, fontstackName, protowire.BytesType)
	stack = protowire.AppendString(stack, strings.Join(names, ", "))
	stack = protowire.AppendTag(stack, fontstackRange, protowire.BytesType)
	stack = protowire.AppendString(stack, glyphRange)
	for _, id := range ids {
		stack = protowire.AppendTag(stack, fontstackGlyphs, protowire.BytesType)
		stack = protowire.AppendBytes(stack, merged[id])
	}

	var out []byte
	out = protowire.AppendTag(out, glyphsStacks, protowire.BytesType)
	out = protowire.AppendBytes(out, stack)
	return out, nil
}

// readGlyphs returns the raw glyph messages of every stack keyed by code point.
func readGlyphs(data []byte) (map[uint64][]byte, error) {
	glyphs := map[uint64][]byte{}
	err := eachField(data, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num != glyphsStacks || typ != protowire.BytesType {
			return nil
		}
		return eachField(value, func(num protowire.Number, typ protowire.Type, glyph []byte) error {
			if num != fontstackGlyphs || typ != protowire.BytesType {
				return nil
			}
			id, err := readGlyphID(glyph)
			if err != nil {
				return err
			}
			if _, ok := glyphs[id]; !ok {
				glyphs[id] = glyph
			}
			return nil
		})
	})
	return glyphs, err
}

func readGlyphID(glyph []byte) (uint64, error) {
	var id uint64
	var found bool
	err := eachField(glyph, func(num protowire.Number, typ protowire.Type, value []byte) error {
		if num == glyphID && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(value)
			if n < 0 {
				return protowire.ParseError(n)
			}
			id, found = v, true
		}
		return nil
	})
	if err == nil && !found {
		err = fmt.Errorf("glyph without id")
	}
	return id, err
}

// eachField walks the top level fields of a message. For length delimited
// fields value is the payload; otherwise it is the raw encoded value.
func eachField(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var value []byte
		if typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			value, n = v, m
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			value = b[:n]
		}
		if err := fn(num, typ, value); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
