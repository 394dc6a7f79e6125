package ctrbuild

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
)

// Icon dimensions required by the platform's home menu. Both are always
// produced, whatever the source resolution.
const (
	largeIconSize = 48
	smallIconSize = 24

	largeIconBytes = largeIconSize * largeIconSize * 2 // RGB565
	smallIconBytes = smallIconSize * smallIconSize * 2
)

// tileOrder maps the 64 pixels of one 8x8 tile from linear order to the
// GPU's swizzled order. Icon bitmaps are stored tile by tile, not in
// raster order.
var tileOrder = [64]int{
	0, 1, 8, 9, 2, 3, 10, 11,
	16, 17, 24, 25, 18, 19, 26, 27,
	4, 5, 12, 13, 6, 7, 14, 15,
	20, 21, 28, 29, 22, 23, 30, 31,
	32, 33, 40, 41, 34, 35, 42, 43,
	48, 49, 56, 57, 50, 51, 58, 59,
	36, 37, 44, 45, 38, 39, 46, 47,
	52, 53, 60, 61, 54, 55, 62, 63,
}

// LoadIcon decodes the icon source at path. Decode failures degrade to the
// embedded default icon with a warning; a broken icon is never a reason to
// abort a build.
func LoadIcon(path string) image.Image {
	if path == "" {
		return defaultIcon()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		colArrow.Print("-> ")
		colWarn.Printf("Cannot read icon %s (%v), using default icon\n", path, err)
		return defaultIcon()
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		colArrow.Print("-> ")
		colWarn.Printf("Cannot decode icon %s (%v), using default icon\n", path, err)
		return defaultIcon()
	}
	return img
}

func defaultIcon() image.Image {
	data, err := embeddedAssets.ReadFile("assets/default_icon.png")
	if err != nil {
		panic(fmt.Sprintf("embedded default icon missing: %v", err))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		panic(fmt.Sprintf("embedded default icon corrupt: %v", err))
	}
	return img
}

// resampleNearest scales src to size x size with nearest-neighbor sampling.
// Nearest keeps pixel-art icons crisp and, more importantly here, is fully
// deterministic across runs and platforms.
func resampleNearest(src image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	b := src.Bounds()
	for y := 0; y < size; y++ {
		sy := b.Min.Y + y*b.Dy()/size
		for x := 0; x < size; x++ {
			sx := b.Min.X + x*b.Dx()/size
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

// encodeTiledRGB565 packs a square RGBA bitmap into the platform's native
// icon encoding: 16-bit 5-6-5 pixels, little-endian, emitted in 8x8 tiles
// with the swizzled in-tile order. The side length must be a multiple of 8.
func encodeTiledRGB565(img *image.RGBA) []byte {
	size := img.Bounds().Dx()
	out := make([]byte, 0, size*size*2)
	for ty := 0; ty < size; ty += 8 {
		for tx := 0; tx < size; tx += 8 {
			for _, idx := range tileOrder {
				x := tx + idx%8
				y := ty + idx/8
				off := img.PixOffset(x, y)
				r := uint16(img.Pix[off])
				g := uint16(img.Pix[off+1])
				b := uint16(img.Pix[off+2])
				px := (r>>3)<<11 | (g>>2)<<5 | b>>3
				out = append(out, byte(px), byte(px>>8))
			}
		}
	}
	return out
}

// ConvertIcon produces the two fixed-size bitmaps every bundle carries.
func ConvertIcon(src image.Image) (large, small []byte) {
	large = encodeTiledRGB565(resampleNearest(src, largeIconSize))
	small = encodeTiledRGB565(resampleNearest(src, smallIconSize))
	return large, small
}
