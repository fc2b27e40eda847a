package auth

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"hash"
	"strings"
)

// sessionKey is the ephemeral AES-256 key and IV generated fresh for every
// connection attempt and encrypted to the miniserver's RSA public key
// during key-exchange (spec §4.3 step 2).
type sessionKey struct {
	AESKey [32]byte
	IV     [16]byte
}

func newSessionKey() (sessionKey, error) {
	var sk sessionKey
	if _, err := rand.Read(sk.AESKey[:]); err != nil {
		return sessionKey{}, fmt.Errorf("auth: generating session key: %w", err)
	}
	if _, err := rand.Read(sk.IV[:]); err != nil {
		return sessionKey{}, fmt.Errorf("auth: generating session iv: %w", err)
	}
	// aes.NewCipher validates key length; a bad key size here would be a
	// programming error, not a runtime condition, so fail fast.
	if _, err := aes.NewCipher(sk.AESKey[:]); err != nil {
		return sessionKey{}, fmt.Errorf("auth: invalid session key: %w", err)
	}
	return sk, nil
}

// encryptForKeyExchange RSA-encrypts the session key/IV pair with the
// miniserver's public key, PKCS#1 v1.5 padded — the padding Loxone's
// key-exchange wire format expects; OAEP would not interoperate.
func (sk sessionKey) encryptForKeyExchange(pub *rsa.PublicKey) (string, error) {
	plain := []byte(hex.EncodeToString(sk.AESKey[:]) + ":" + hex.EncodeToString(sk.IV[:]))
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plain)
	if err != nil {
		return "", fmt.Errorf("auth: rsa encrypt: %w", err)
	}
	return hex.EncodeToString(ciphertext), nil
}

// parsePublicKeyPEM parses the miniserver's bootstrapped public key. The
// key may arrive as a bare PKCS1/PKIX block or wrapped in an X.509
// certificate, so both shapes are tried before giving up.
func parsePublicKeyPEM(s string) (*rsa.PublicKey, error) {
	s = strings.TrimSpace(s)
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		// Some miniservers omit PEM armor on the bootstrap response.
		block = &pem.Block{Bytes: []byte(s)}
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		if rsaKey, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
	}
	return nil, fmt.Errorf("auth: could not parse miniserver public key")
}

// hashAlgorithm resolves the server-advertised hash algorithm name
// ("SHA1" or "SHA256", per getkey2/getvisusalt) to a constructor.
func hashAlgorithm(name string) (func() hash.Hash, error) {
	switch strings.ToUpper(name) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("auth: unsupported hash algorithm %q", name)
	}
}

// hashHex returns the uppercase hex digest of data under the named algorithm.
func hashHex(alg string, data []byte) (string, error) {
	newHash, err := hashAlgorithm(alg)
	if err != nil {
		return "", err
	}
	h := newHash()
	h.Write(data)
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// hmacHex returns the uppercase hex HMAC of data keyed by key, under the
// named algorithm.
func hmacHex(alg string, key, data []byte) (string, error) {
	newHash, err := hashAlgorithm(alg)
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, key)
	mac.Write(data)
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil))), nil
}

// userHash computes the credential hash sent in gettoken/…: the user's
// password salted and hashed, then HMAC'd under the server-issued key.
func userHash(hashAlg, password, salt, key string) (string, error) {
	pwHash, err := hashHex(hashAlg, []byte(password+":"+salt))
	if err != nil {
		return "", err
	}
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("auth: decoding server key: %w", err)
	}
	return hmacHex(hashAlg, keyBytes, []byte(pwHash))
}
