package registry

import (
	"path"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelconvert/internal/domain"
)

// ResolveDownloadName builds the user-facing file name for a converted file.
// format is the format the conversion was run with; it decides the extension.
func ResolveDownloadName(originalName string, format domain.Format, nc domain.NamingConvention) string {
	base := path.Base(strings.ReplaceAll(originalName, `\`, "/"))
	origExt := path.Ext(base)
	stem := strings.TrimSuffix(base, origExt)
	if stem == "" || stem == "." || stem == "/" {
		stem = "image"
	}

	ext := format.Extension()
	if format == domain.FormatTIFF && strings.EqualFold(origExt, ".tif") {
		ext = "tif"
	}

	switch nc.Type {
	case domain.NamingPrefix:
		return nc.Prefix + stem + "." + ext
	case domain.NamingSuffix:
		return stem + nc.Suffix + "." + ext
	default:
		return stem + "." + ext
	}
}

// disambiguate returns name unchanged if unused, otherwise inserts _<id>
// before the extension.
func disambiguate(name, id string, used map[string]struct{}) string {
	if _, taken := used[name]; !taken {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := stem + "_" + id + ext
	for n := 2; ; n++ {
		if _, taken := used[candidate]; !taken {
			return candidate
		}
		candidate = stem + "_" + id + "_" + strconv.Itoa(n) + ext
	}
}

