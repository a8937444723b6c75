package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/caredial/securecall/internal/keyex"
)

// Encrypted frame layout:
//
//	[clear header][ciphertext+tag][iv 12][marker 1]
//
// The clear header keeps the codec payload parseable by packetizers and
// jitter buffers (1 byte for audio, 10 for video). The IV embeds the key
// generation in its first four bytes; the marker distinguishes encrypted
// frames from pre-handshake plaintext.
const (
	ivSize      = 12
	trailerSize = ivSize + 1
	frameMarker = 0xC9

	clearHeaderAudio = 1
	clearHeaderVideo = 10
)

var (
	errNoKey         = errors.New("e2ee: no key installed")
	errNotEncrypted  = errors.New("e2ee: frame has no encryption trailer")
	errWrongGen      = errors.New("e2ee: frame generation does not match current key")
	errFrameTooShort = errors.New("e2ee: frame too short")
)

// frameCipher applies AES-256-GCM to encoded frames. It is confined to a
// single worker goroutine and needs no locking.
type frameCipher struct {
	aead       cipher.AEAD
	generation uint32
	counter    uint64
}

func (c *frameCipher) setKey(km keyex.KeyMaterial) error {
	block, err := aes.NewCipher(km.Key[:])
	if err != nil {
		return fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("gcm: %w", err)
	}
	c.aead = aead
	c.generation = km.Generation
	c.counter = 0
	return nil
}

func (c *frameCipher) hasKey() bool {
	return c.aead != nil
}

func clearHeaderLen(kind TrackKind, n int) int {
	h := clearHeaderAudio
	if kind == Video {
		h = clearHeaderVideo
	}
	if h > n {
		h = n
	}
	return h
}

// encrypt seals everything past the clear header, authenticating the
// header as AAD, and appends the IV and marker trailer.
func (c *frameCipher) encrypt(f Frame) (Frame, error) {
	if !c.hasKey() {
		return f, errNoKey
	}

	h := clearHeaderLen(f.Kind, len(f.Data))
	iv := make([]byte, ivSize)
	binary.BigEndian.PutUint32(iv[:4], c.generation)
	binary.BigEndian.PutUint64(iv[4:], c.counter)
	c.counter++

	out := make([]byte, 0, len(f.Data)+c.aead.Overhead()+trailerSize)
	out = append(out, f.Data[:h]...)
	out = c.aead.Seal(out, iv, f.Data[h:], f.Data[:h])
	out = append(out, iv...)
	out = append(out, frameMarker)

	f.Data = out
	return f, nil
}

// decrypt reverses encrypt. With no key installed every frame is reported
// as errNoKey for the pass-through policy; once a key exists a frame
// without the marker trailer is a decrypt failure and gets dropped.
func (c *frameCipher) decrypt(f Frame) (Frame, error) {
	if !c.hasKey() {
		return f, errNoKey
	}
	n := len(f.Data)
	if n < 1 || f.Data[n-1] != frameMarker {
		return f, errNotEncrypted
	}
	h := clearHeaderLen(f.Kind, n)
	if n < h+c.aead.Overhead()+trailerSize {
		return f, errFrameTooShort
	}

	iv := f.Data[n-trailerSize : n-1]
	if gen := binary.BigEndian.Uint32(iv[:4]); gen != c.generation {
		return f, fmt.Errorf("%w: frame %d, key %d", errWrongGen, gen, c.generation)
	}

	header := f.Data[:h]
	body := f.Data[h : n-trailerSize]
	plain, err := c.aead.Open(nil, iv, body, header)
	if err != nil {
		return f, fmt.Errorf("gcm open: %w", err)
	}

	out := make([]byte, 0, h+len(plain))
	out = append(out, header...)
	out = append(out, plain...)
	f.Data = out
	return f, nil
}
