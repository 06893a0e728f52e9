package message

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	jsoniter "github.com/json-iterator/go"
)

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultCompressThreshold is the payload size above which content is
// gzip-compressed before storage.
const DefaultCompressThreshold = 10 * 1024

// Codec encodes content payloads for storage, applying transparent
// compression above a size threshold and AES-256-GCM encryption of
// selected content types when a key is configured.
type Codec struct {
	CompressThreshold int
	aead              cipher.AEAD
	encryptTypes      map[ContentType]bool
}

// NewCodec builds a Codec. An empty key disables encryption. When
// encryption is enabled and encryptTypes is empty, RAW alone is
// encrypted (matching the storage-settings default).
func NewCodec(key string, encryptTypes ...ContentType) (*Codec, error) {
	var c = &Codec{
		CompressThreshold: DefaultCompressThreshold,
		encryptTypes:      map[ContentType]bool{},
	}
	if key != "" {
		var sum = sha256.Sum256([]byte(key))
		block, err := aes.NewCipher(sum[:])
		if err != nil {
			return nil, fmt.Errorf("building cipher: %w", err)
		}
		if c.aead, err = cipher.NewGCM(block); err != nil {
			return nil, fmt.Errorf("building GCM: %w", err)
		}
		if len(encryptTypes) == 0 {
			encryptTypes = []ContentType{ContentRaw}
		}
		for _, ct := range encryptTypes {
			c.encryptTypes[ct] = true
		}
	}
	return c, nil
}

// Encrypts tells whether content of this type is encrypted at rest.
func (c *Codec) Encrypts(ct ContentType) bool {
	return c.aead != nil && c.encryptTypes[ct]
}

// Encode prepares `text` for storage and reports which transforms were
// applied. Compression happens before encryption so the ciphertext
// stays opaque.
func (c *Codec) Encode(ct ContentType, text string) (blob []byte, compressed, encrypted bool, err error) {
	blob = []byte(text)

	var threshold = c.CompressThreshold
	if threshold == 0 {
		threshold = DefaultCompressThreshold
	}
	if len(blob) > threshold {
		var buf bytes.Buffer
		var zw = gzip.NewWriter(&buf)
		if _, err = zw.Write(blob); err == nil {
			err = zw.Close()
		}
		if err != nil {
			return nil, false, false, fmt.Errorf("compressing content: %w", err)
		}
		blob, compressed = buf.Bytes(), true
	}

	if c.Encrypts(ct) {
		var nonce = make([]byte, c.aead.NonceSize())
		if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, false, false, fmt.Errorf("reading nonce: %w", err)
		}
		blob = c.aead.Seal(nonce, nonce, blob, nil)
		encrypted = true
	}
	return blob, compressed, encrypted, nil
}

// Decode reverses Encode.
func (c *Codec) Decode(blob []byte, compressed, encrypted bool) (string, error) {
	if encrypted {
		if c.aead == nil {
			return "", fmt.Errorf("content is encrypted but no encryption key is configured")
		}
		if len(blob) < c.aead.NonceSize() {
			return "", fmt.Errorf("encrypted content is truncated")
		}
		var nonce = blob[:c.aead.NonceSize()]
		var err error
		if blob, err = c.aead.Open(nil, nonce, blob[c.aead.NonceSize():], nil); err != nil {
			return "", fmt.Errorf("decrypting content: %w", err)
		}
	}
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(blob))
		if err != nil {
			return "", fmt.Errorf("opening compressed content: %w", err)
		}
		defer zr.Close()
		if blob, err = io.ReadAll(zr); err != nil {
			return "", fmt.Errorf("decompressing content: %w", err)
		}
	}
	return string(blob), nil
}

// SerializeMap renders a runtime map for storage as a *_MAP content row.
func SerializeMap(m map[string]interface{}) (string, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	var out, err = jsonit.MarshalToString(m)
	if err != nil {
		return "", fmt.Errorf("serializing map: %w", err)
	}
	return out, nil
}

// DeserializeMap reverses SerializeMap.
func DeserializeMap(text string) (map[string]interface{}, error) {
	var m = map[string]interface{}{}
	if text == "" {
		return m, nil
	}
	if err := jsonit.UnmarshalFromString(text, &m); err != nil {
		return nil, fmt.Errorf("deserializing map: %w", err)
	}
	return m, nil
}
