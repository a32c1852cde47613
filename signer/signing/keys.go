package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/ed448"
)

// Key is a loaded local signing key. Sign takes the canonical payload
// bytes; digesting is the key's concern since EdDSA signs the message
// itself while RSA and ECDSA sign a SHA-256 digest.
type Key interface {
	Alg() string
	KeyID() string
	Sign(message []byte) ([]byte, error)
	Verify(message, sig []byte) bool
	PublicKeyPEM() string
}

// ErrUnsupportedKey rejects PEM material that is not Ed25519, Ed448,
// RSA, or ECDSA.
var ErrUnsupportedKey = errors.New("unsupported private key type")

// oidEd448 is the id-Ed448 algorithm identifier (RFC 8410). The stdlib
// x509 package does not know it, so Ed448 PKCS#8 blobs are unwrapped
// by hand and handed to circl.
var oidEd448 = asn1.ObjectIdentifier{1, 3, 101, 113}

type pkcs8Envelope struct {
	Version    int
	Algo       pkix.AlgorithmIdentifier
	PrivateKey []byte
}

type pkixEnvelope struct {
	Algo      pkix.AlgorithmIdentifier
	BitString asn1.BitString
}

// LoadPrivateKeyPEM parses a PEM private key into a signing backend.
func LoadPrivateKeyPEM(data []byte) (Key, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in key material")
	}
	der := block.Bytes

	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1: %w", err)
		}
		return newRSAKey(priv)
	case "EC PRIVATE KEY":
		priv, err := x509.ParseECPrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("parse ec: %w", err)
		}
		return newECDSAKey(priv)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err == nil {
		switch priv := parsed.(type) {
		case ed25519.PrivateKey:
			return newEd25519Key(priv)
		case *rsa.PrivateKey:
			return newRSAKey(priv)
		case *ecdsa.PrivateKey:
			return newECDSAKey(priv)
		default:
			return nil, ErrUnsupportedKey
		}
	}

	if key, ed448Err := parseEd448PKCS8(der); ed448Err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("parse pkcs8: %w", err)
}

func parseEd448PKCS8(der []byte) (Key, error) {
	var env pkcs8Envelope
	if _, err := asn1.Unmarshal(der, &env); err != nil {
		return nil, err
	}
	if !env.Algo.Algorithm.Equal(oidEd448) {
		return nil, ErrUnsupportedKey
	}
	var seed []byte
	if _, err := asn1.Unmarshal(env.PrivateKey, &seed); err != nil {
		return nil, err
	}
	if len(seed) != ed448.SeedSize {
		return nil, fmt.Errorf("ed448 seed is %d bytes, want %d", len(seed), ed448.SeedSize)
	}
	return newEd448Key(ed448.NewKeyFromSeed(seed))
}

// keyIDFor derives a stable short identifier from the public key DER.
func keyIDFor(pubDER []byte) string {
	sum := sha256.Sum256(pubDER)
	return hex.EncodeToString(sum[:8])
}

func pemEncode(pubDER []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
}

type ed25519Key struct {
	priv   ed25519.PrivateKey
	pubPEM string
	keyID  string
}

func newEd25519Key(priv ed25519.PrivateKey) (*ed25519Key, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return nil, err
	}
	return &ed25519Key{priv: priv, pubPEM: pemEncode(pubDER), keyID: keyIDFor(pubDER)}, nil
}

func (k *ed25519Key) Alg() string          { return "ed25519" }
func (k *ed25519Key) KeyID() string        { return k.keyID }
func (k *ed25519Key) PublicKeyPEM() string { return k.pubPEM }

func (k *ed25519Key) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, message), nil
}

func (k *ed25519Key) Verify(message, sig []byte) bool {
	return ed25519.Verify(k.priv.Public().(ed25519.PublicKey), message, sig)
}

type ed448Key struct {
	priv   ed448.PrivateKey
	pubPEM string
	keyID  string
}

func newEd448Key(priv ed448.PrivateKey) (*ed448Key, error) {
	pub := priv.Public().(ed448.PublicKey)
	pubDER, err := marshalEd448Public(pub)
	if err != nil {
		return nil, err
	}
	return &ed448Key{priv: priv, pubPEM: pemEncode(pubDER), keyID: keyIDFor(pubDER)}, nil
}

func marshalEd448Public(pub ed448.PublicKey) ([]byte, error) {
	return asn1.Marshal(pkixEnvelope{
		Algo:      pkix.AlgorithmIdentifier{Algorithm: oidEd448},
		BitString: asn1.BitString{Bytes: pub, BitLength: len(pub) * 8},
	})
}

func (k *ed448Key) Alg() string          { return "ed448" }
func (k *ed448Key) KeyID() string        { return k.keyID }
func (k *ed448Key) PublicKeyPEM() string { return k.pubPEM }

func (k *ed448Key) Sign(message []byte) ([]byte, error) {
	return ed448.Sign(k.priv, message, ""), nil
}

func (k *ed448Key) Verify(message, sig []byte) bool {
	return ed448.Verify(k.priv.Public().(ed448.PublicKey), message, sig, "")
}

type rsaKey struct {
	priv   *rsa.PrivateKey
	pubPEM string
	keyID  string
}

func newRSAKey(priv *rsa.PrivateKey) (*rsaKey, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &rsaKey{priv: priv, pubPEM: pemEncode(pubDER), keyID: keyIDFor(pubDER)}, nil
}

func (k *rsaKey) Alg() string          { return "rsa-sha256" }
func (k *rsaKey) KeyID() string        { return k.keyID }
func (k *rsaKey) PublicKeyPEM() string { return k.pubPEM }

func (k *rsaKey) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA256, digest[:])
}

func (k *rsaKey) Verify(message, sig []byte) bool {
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(&k.priv.PublicKey, crypto.SHA256, digest[:], sig) == nil
}

type ecdsaKey struct {
	priv   *ecdsa.PrivateKey
	pubPEM string
	keyID  string
}

func newECDSAKey(priv *ecdsa.PrivateKey) (*ecdsaKey, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &ecdsaKey{priv: priv, pubPEM: pemEncode(pubDER), keyID: keyIDFor(pubDER)}, nil
}

func (k *ecdsaKey) Alg() string          { return "ecdsa-sha256" }
func (k *ecdsaKey) KeyID() string        { return k.keyID }
func (k *ecdsaKey) PublicKeyPEM() string { return k.pubPEM }

func (k *ecdsaKey) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, k.priv, digest[:])
}

func (k *ecdsaKey) Verify(message, sig []byte) bool {
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(&k.priv.PublicKey, digest[:], sig)
}

// VerifyWithPEM checks sig over message with a caller-supplied public
// key, dispatching on the key type the way the signing side does.
func VerifyWithPEM(publicKeyPEM string, message, sig []byte) (bool, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return false, errors.New("no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if pubEd448, edErr := parseEd448Public(block.Bytes); edErr == nil {
			return ed448.Verify(pubEd448, message, sig, ""), nil
		}
		return false, fmt.Errorf("parse public key: %w", err)
	}
	switch key := pub.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(key, message, sig), nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil, nil
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		return ecdsa.VerifyASN1(key, digest[:], sig), nil
	default:
		return false, ErrUnsupportedKey
	}
}

func parseEd448Public(der []byte) (ed448.PublicKey, error) {
	var env pkixEnvelope
	if _, err := asn1.Unmarshal(der, &env); err != nil {
		return nil, err
	}
	if !env.Algo.Algorithm.Equal(oidEd448) {
		return nil, ErrUnsupportedKey
	}
	if len(env.BitString.Bytes) != ed448.PublicKeySize {
		return nil, fmt.Errorf("ed448 public key is %d bytes, want %d", len(env.BitString.Bytes), ed448.PublicKeySize)
	}
	return ed448.PublicKey(env.BitString.Bytes), nil
}
