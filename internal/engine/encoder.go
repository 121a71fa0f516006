package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/png"
	"time"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/jellydator/ttlcache/v3"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const embeddingCacheCapacity = 128

// maxImagePixels bounds width*height as declared by the image header, checked
// before the pixels are decoded.
const maxImagePixels = 40 << 20

// Embedding is an image normalized for a session's context: decoded, scaled
// to fit the encoder's max edge, and re-encoded as PNG.
type Embedding struct {
	// ID is the sha256 of the raw input bytes.
	ID           string
	SourceFormat string
	Width        int
	Height       int
	// Data holds the normalized PNG bytes.
	Data []byte
}

// Encoder turns raw image bytes into embeddings. It is safe for concurrent
// use; the cache only memoizes the pure bytes -> embedding mapping.
type Encoder struct {
	maxEdge int
	cache   *ttlcache.Cache[string, Embedding]
}

// NewEncoder creates an Encoder and starts its cache expiration loop.
func NewEncoder(maxEdge int, ttl time.Duration) *Encoder {
	if maxEdge <= 0 {
		maxEdge = defaultImageMaxEdge
	}
	if ttl <= 0 {
		ttl = defaultImageCacheTTL
	}
	c := ttlcache.New[string, Embedding](
		ttlcache.WithTTL[string, Embedding](ttl),
		ttlcache.WithCapacity[string, Embedding](embeddingCacheCapacity),
	)
	go c.Start()
	return &Encoder{maxEdge: maxEdge, cache: c}
}

// Close stops the cache expiration loop.
func (e *Encoder) Close() { e.cache.Stop() }

// Encode decodes raw and returns its embedding, or a KindEncoding error when
// raw is not a decodable image.
func (e *Encoder) Encode(raw []byte) (Embedding, error) {
	if len(raw) == 0 {
		return Embedding{}, newError(KindEncoding, "encode_image", "image data is empty", nil)
	}
	sum := sha256.Sum256(raw)
	id := hex.EncodeToString(sum[:])
	if item := e.cache.Get(id); item != nil {
		return cloneEmbedding(item.Value()), nil
	}

	hdr, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Embedding{}, newError(KindEncoding, "encode_image", "failed to decode image", err)
	}
	if hdr.Width <= 0 || hdr.Height <= 0 || int64(hdr.Width)*int64(hdr.Height) > maxImagePixels {
		return Embedding{}, newError(KindEncoding, "encode_image",
			fmt.Sprintf("image dimensions %dx%d exceed the %d pixel limit", hdr.Width, hdr.Height, maxImagePixels), nil)
	}
	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Embedding{}, newError(KindEncoding, "encode_image", "failed to decode image", err)
	}
	img := fitWithin(src, e.maxEdge)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Embedding{}, newError(KindEncoding, "encode_image", "failed to normalize image", err)
	}
	b := img.Bounds()
	emb := Embedding{
		ID:           id,
		SourceFormat: format,
		Width:        b.Dx(),
		Height:       b.Dy(),
		Data:         buf.Bytes(),
	}
	e.cache.Set(id, emb, ttlcache.DefaultTTL)
	return cloneEmbedding(emb), nil
}

// fitWithin scales src down so its longest edge is at most maxEdge.
func fitWithin(src image.Image, maxEdge int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxEdge && h <= maxEdge {
		return src
	}
	var nw, nh int
	if w >= h {
		nw = maxEdge
		nh = max(1, h*maxEdge/w)
	} else {
		nh = maxEdge
		nw = max(1, w*maxEdge/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func cloneEmbedding(e Embedding) Embedding {
	e.Data = append([]byte(nil), e.Data...)
	return e
}
