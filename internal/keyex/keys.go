package keyex

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the derived symmetric key length (AES-256).
const KeySize = 32

// hkdfSalt binds derived keys to this protocol.
var hkdfSalt = []byte("securecall/frame-key/v1")

// KeyMaterial is the current symmetric key with its provenance. Exactly one
// KeyMaterial is current per call; superseded material is discarded.
type KeyMaterial struct {
	Key               [KeySize]byte
	Generation        uint32
	CreatedAt         time.Time
	RemoteFingerprint string
}

// keyPair holds the per-call ECDH key agreement pair and the separate
// ECDSA signing pair.
type keyPair struct {
	agree *ecdh.PrivateKey
	sign  *ecdsa.PrivateKey
}

func newKeyPair() (*keyPair, error) {
	agree, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ECDH key: %w", err)
	}
	sign, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &keyPair{agree: agree, sign: sign}, nil
}

// rotateAgreement replaces only the ECDH pair; the signing identity stays
// stable for the whole call.
func (k *keyPair) rotateAgreement() error {
	agree, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("rotate ECDH key: %w", err)
	}
	k.agree = agree
	return nil
}

// Fingerprint returns a short hex fingerprint of a public key.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

// deriveKey expands an ECDH shared secret into a generation-bound
// symmetric key via HKDF-SHA256.
func deriveKey(secret []byte, generation uint32) ([KeySize]byte, error) {
	var key [KeySize]byte
	info := make([]byte, 4)
	binary.BigEndian.PutUint32(info, generation)

	r := hkdf.New(sha256.New, secret, hkdfSalt, info)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// signDigest is the byte string covered by the ECDSA signature:
// SHA-256(ecdhPub || bigendian64(timestamp) || nonce).
func signDigest(ecdhPub []byte, timestamp int64, nonce []byte) [32]byte {
	buf := make([]byte, 0, len(ecdhPub)+8+len(nonce))
	buf = append(buf, ecdhPub...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestamp))
	buf = append(buf, nonce...)
	return sha256.Sum256(buf)
}

func signPayload(priv *ecdsa.PrivateKey, ecdhPub []byte, timestamp int64, nonce []byte) ([]byte, error) {
	digest := signDigest(ecdhPub, timestamp, nonce)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign key message: %w", err)
	}
	return sig, nil
}

func verifyPayload(pub *ecdsa.PublicKey, ecdhPub []byte, timestamp int64, nonce, sig []byte) bool {
	digest := signDigest(ecdhPub, timestamp, nonce)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

func marshalVerifyKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal verify key: %w", err)
	}
	return der, nil
}

func parseVerifyKey(der []byte) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse verify key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("verify key is %T, want *ecdsa.PublicKey", pub)
	}
	return ecPub, nil
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}
