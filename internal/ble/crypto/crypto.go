// Package crypto provides the cryptographic primitives of the BluFi security
// negotiation: finite-field Diffie-Hellman over a fixed 1024-bit group, MD5
// key derivation, and AES-128-CFB payload encryption keyed by packet sequence.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// PublicKeyHexLen is the required hex length of a serialised public value.
const PublicKeyHexLen = 256

// KeySize is the AES key size produced by DeriveKey.
const KeySize = md5.Size

// Oakley group 2 (RFC 2409 section 6.2). The device receives P and G in the
// negotiation packet, so any safe 1024-bit prime interoperates.
const dhPrimeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
	"FFFFFFFFFFFFFFFF"

var (
	dhP = mustHex(dhPrimeHex)
	dhG = big.NewInt(2)
	one = big.NewInt(1)
)

// ErrInvalidPeerKey is returned when the peer public value is outside (1, p-1).
var ErrInvalidPeerKey = errors.New("ble/crypto: invalid peer public key")

const maxKeygenAttempts = 16

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("ble/crypto: bad prime literal")
	}
	return n
}

// Session holds the DH state of one negotiation attempt.
type Session struct {
	P      *big.Int
	G      *big.Int
	Public *big.Int

	private *big.Int
}

// NewSession generates a fresh key pair. A public value that does not
// serialise to exactly PublicKeyHexLen hex characters is regenerated.
func NewSession() (*Session, error) {
	return newSession(rand.Reader)
}

func newSession(r io.Reader) (*Session, error) {
	// private in [2, p-2]
	limit := new(big.Int).Sub(dhP, big.NewInt(3))
	for range maxKeygenAttempts {
		x, err := rand.Int(r, limit)
		if err != nil {
			return nil, fmt.Errorf("ble/crypto: generate key: %w", err)
		}
		x.Add(x, big.NewInt(2))
		s := sessionWithPrivate(x)
		if validPublic(s.Public) {
			return s, nil
		}
	}
	return nil, errors.New("ble/crypto: could not generate a valid public key")
}

func sessionWithPrivate(x *big.Int) *Session {
	return &Session{
		P:       dhP,
		G:       dhG,
		Public:  new(big.Int).Exp(dhG, x, dhP),
		private: x,
	}
}

func validPublic(y *big.Int) bool {
	if y.Cmp(one) <= 0 {
		return false
	}
	return len(fmt.Sprintf("%0*x", PublicKeyHexLen, y)) == PublicKeyHexLen
}

// PBytes returns the prime, big-endian.
func (s *Session) PBytes() []byte { return s.P.Bytes() }

// GBytes returns the generator, big-endian.
func (s *Session) GBytes() []byte { return s.G.Bytes() }

// PublicBytes returns the public value left-padded to PublicKeyHexLen/2 bytes.
func (s *Session) PublicBytes() []byte {
	return s.Public.FillBytes(make([]byte, PublicKeyHexLen/2))
}

// ParsePeerKey reads an unsigned big-endian peer public value. Empty or all-zero
// input yields a value with bit length zero.
func ParsePeerKey(data []byte) *big.Int {
	return new(big.Int).SetBytes(data)
}

// SharedSecret performs key agreement with the peer public value. The result
// is left-padded to the byte length of P.
func (s *Session) SharedSecret(peer *big.Int) ([]byte, error) {
	pMinus1 := new(big.Int).Sub(s.P, one)
	if peer == nil || peer.Cmp(one) <= 0 || peer.Cmp(pMinus1) >= 0 {
		return nil, ErrInvalidPeerKey
	}
	secret := new(big.Int).Exp(peer, s.private, s.P)
	return secret.FillBytes(make([]byte, (s.P.BitLen()+7)/8)), nil
}

// DeriveKey returns MD5(secret), the 16-byte AES key of the channel.
func DeriveKey(secret []byte) []byte {
	sum := md5.Sum(secret)
	return sum[:]
}

// AESCipher encrypts packet payloads with AES-CFB. The IV is 16 bytes whose
// first byte is the packet sequence number and the rest zero.
type AESCipher struct {
	block cipher.Block
}

// NewAESCipher creates a cipher for a 16-byte derived key.
func NewAESCipher(key []byte) (*AESCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("ble/crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	return &AESCipher{block: block}, nil
}

func sequenceIV(seq uint8) []byte {
	iv := make([]byte, aes.BlockSize)
	iv[0] = seq
	return iv
}

// Encrypt encrypts data in place.
func (a *AESCipher) Encrypt(seq uint8, data []byte) {
	cipher.NewCFBEncrypter(a.block, sequenceIV(seq)).XORKeyStream(data, data)
}

// Decrypt decrypts data in place.
func (a *AESCipher) Decrypt(seq uint8, data []byte) {
	cipher.NewCFBDecrypter(a.block, sequenceIV(seq)).XORKeyStream(data, data)
}
