package pipeline

import "bytes"

// Kind is the raster family detected from a byte signature.
type Kind int

const (
	KindUnknown Kind = iota
	KindJPEG
	KindPNG
	KindGIF
	KindBMP
	KindWEBP
	KindTIFF
	KindHEIF
)

func (k Kind) String() string {
	switch k {
	case KindJPEG:
		return "jpeg"
	case KindPNG:
		return "png"
	case KindGIF:
		return "gif"
	case KindBMP:
		return "bmp"
	case KindWEBP:
		return "webp"
	case KindTIFF:
		return "tiff"
	case KindHEIF:
		return "heif"
	default:
		return "unknown"
	}
}

var (
	jpegSig   = []byte{0xff, 0xd8, 0xff}
	pngSig    = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}
	gif87Sig  = []byte("GIF87a")
	gif89Sig  = []byte("GIF89a")
	bmpSig    = []byte("BM")
	riffSig   = []byte("RIFF")
	webpSig   = []byte("WEBP")
	tiffSigLE = []byte{0x49, 0x49, 0x2a, 0x00}
	tiffSigBE = []byte{0x4d, 0x4d, 0x00, 0x2a}
	ftypSig   = []byte("ftyp")

	heifBrands = [][]byte{
		[]byte("heic"), []byte("heix"), []byte("hevc"), []byte("hevx"),
		[]byte("heim"), []byte("heis"), []byte("mif1"), []byte("msf1"),
	}
)

// Sniff classifies data by its leading bytes. File names are never consulted.
func Sniff(data []byte) Kind {
	switch {
	case bytes.HasPrefix(data, jpegSig):
		return KindJPEG
	case bytes.HasPrefix(data, pngSig):
		return KindPNG
	case bytes.HasPrefix(data, gif87Sig), bytes.HasPrefix(data, gif89Sig):
		return KindGIF
	case len(data) >= 12 && bytes.HasPrefix(data, riffSig) && bytes.Equal(data[8:12], webpSig):
		return KindWEBP
	case bytes.HasPrefix(data, tiffSigLE), bytes.HasPrefix(data, tiffSigBE):
		return KindTIFF
	case isHEIF(data):
		return KindHEIF
	case len(data) >= 14 && bytes.HasPrefix(data, bmpSig):
		return KindBMP
	default:
		return KindUnknown
	}
}

func isHEIF(data []byte) bool {
	if len(data) < 12 || !bytes.Equal(data[4:8], ftypSig) {
		return false
	}
	brand := data[8:12]
	for _, candidate := range heifBrands {
		if bytes.Equal(brand, candidate) {
			return true
		}
	}
	return false
}
