package tiles

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/khankhulgun/offlinemap/apierror"
)

// DefaultFont stands in for any font without bundled glyphs.
const DefaultFont = "Open Sans Regular"

const maxCodePoint = 65535

var rangePattern = regexp.MustCompile(`^(\d+)-(\d+)$`)

// ParseRange validates a glyph range such as 256-511.
func ParseRange(s string) (int, int, error) {
	m := rangePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("range %q: %w", s, apierror.ErrInvalidRange)
	}
	start, errStart := strconv.Atoi(m[1])
	end, errEnd := strconv.Atoi(m[2])
	if errStart != nil || errEnd != nil || start > maxCodePoint || end > maxCodePoint {
		return 0, 0, fmt.Errorf("range %q: %w", s, apierror.ErrOutOfRange)
	}
	if start%256 != 0 || end != start+255 {
		return 0, 0, fmt.Errorf("range %q: %w", s, apierror.ErrInvalidRange)
	}
	return start, end, nil
}

// ParseFontStack splits a comma separated font stack.
func ParseFontStack(s string) []string {
	var fonts []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fonts = append(fonts, f)
		}
	}
	return fonts
}

// ResolveGlyphs returns glyph PBF data for a font stack and range. Glyphs
// bound to styleID are tried first when the style declares custom glyphs,
// then the upstream provider, then the bundled fonts.
func (r *Resolver) ResolveGlyphs(ctx context.Context, fontStack []string, glyphRange, styleID, accessToken string) ([]byte, error) {
	if _, _, err := ParseRange(glyphRange); err != nil {
		return nil, err
	}
	if len(fontStack) == 0 {
		fontStack = []string{DefaultFont}
	}

	if styleID != "" {
		template, err := r.styles.GlyphsTemplate(ctx, styleID)
		if err != nil {
			return nil, err
		}
		if template != "" {
			data, ok, err := r.styleGlyphs(ctx, template, fontStack, glyphRange, styleID, accessToken)
			if err != nil || ok {
				return data, err
			}
		}
	}
	return r.bundledGlyphs(fontStack, glyphRange)
}

// styleGlyphs resolves glyphs for a style with a custom template. ok is false
// when the caller should fall back to the bundled fonts. An upstream 404 is
// answered with DefaultFont alone.
func (r *Resolver) styleGlyphs(ctx context.Context, template string, fontStack []string, glyphRange, styleID, accessToken string) ([]byte, bool, error) {
	dir := filepath.Join(r.stylesDir, safeName(styleID), "fonts")
	var found [][]byte
	var names []string
	for _, font := range fontStack {
		if data, err := readFont(dir, font, glyphRange); err == nil {
			found = append(found, data)
			names = append(names, font)
		}
	}
	if len(found) > 0 {
		data, err := combineGlyphs(found, names, glyphRange)
		return data, err == nil, err
	}

	if accessToken == "" {
		return nil, false, fmt.Errorf("glyphs for style %s: %w", styleID, apierror.ErrMissingAccessToken)
	}
	target, err := r.upstream.GlyphsURL(template, fontStack, glyphRange, accessToken)
	if err != nil {
		return nil, false, err
	}
	resp, err := r.upstream.Get(ctx, target)
	if err != nil {
		r.log.WithField("style", styleID).Debugf("upstream glyphs unavailable, using bundled fonts: %v", err)
		return nil, false, nil
	}
	switch {
	case resp.OK():
		return resp.Body, true, nil
	case resp.Status == http.StatusNotFound:
		data, err := r.bundledGlyphs([]string{DefaultFont}, glyphRange)
		return data, err == nil, err
	default:
		return nil, false, fmt.Errorf("glyphs %s: %w", strings.Join(fontStack, ","), &apierror.UpstreamError{Status: resp.Status})
	}
}

// bundledGlyphs combines bundled glyphs for every font of the stack. A font
// without bundled data is replaced by DefaultFont.
func (r *Resolver) bundledGlyphs(fontStack []string, glyphRange string) ([]byte, error) {
	var found [][]byte
	var names []string
	seen := map[string]bool{}
	for _, font := range fontStack {
		name := font
		data, err := readFont(r.fontsDir, font, glyphRange)
		if err != nil {
			name = DefaultFont
			if seen[name] {
				continue
			}
			data, err = readFont(r.fontsDir, DefaultFont, glyphRange)
			if err != nil {
				return nil, fmt.Errorf("default font %s: %w", glyphRange, apierror.ErrNotFound)
			}
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		found = append(found, data)
		names = append(names, name)
	}
	return combineGlyphs(found, names, glyphRange)
}

func readFont(dir, font, glyphRange string) ([]byte, error) {
	if safeName(font) != font {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(filepath.Join(dir, font, glyphRange+".pbf"))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func safeName(name string) string {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "_"
	}
	return name
}

var errNoGlyphs = errors.New("no glyph data")
