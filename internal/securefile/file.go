// Package securefile provides encrypted JSON file read/write with atomic writes.
// Uses Argon2id for KDF and XChaCha20-Poly1305 for AEAD; the data key is either
// derived from a password or a random DEK sealed by the TPM.
package securefile

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	modePassword = "password"
	modeTPM      = "tpm"

	envelopeVersion = 2
	dekLen          = 32
)

var (
	// ErrInvalidPasswordOrCorrupt is returned when decryption fails.
	// Keep this generic to avoid leaking details.
	ErrInvalidPasswordOrCorrupt = errors.New("invalid password or corrupted file")
)

// Envelope is the on-disk encryption wrapper.
type Envelope struct {
	Version int    `json:"version"`
	Mode    string `json:"mode"`

	// Argon2id params (password mode)
	ArgonTime    uint32 `json:"argon_time,omitempty"`
	ArgonMemory  uint32 `json:"argon_memory_kib,omitempty"`
	ArgonThreads uint8  `json:"argon_threads,omitempty"`
	ArgonKeyLen  uint32 `json:"argon_key_len,omitempty"`
	SaltB64      string `json:"salt_b64,omitempty"`

	// TPM mode
	SealedDEKB64 string `json:"sealed_dek_b64,omitempty"`

	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

// KDFParams are the Argon2id settings used for new password envelopes.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

var DefaultKDF = KDFParams{
	Time:    2,
	Memory:  64 * 1024,
	Threads: 1,
	KeyLen:  32,
}

// Options controls encryption behavior.
type Options struct {
	KDF KDFParams

	FilePerm      os.FileMode
	DirectoryPerm os.FileMode

	AAD []byte

	// TPM support (optional)
	TPMSealer TPMSealer
	TPMLabel  string
}

// TPMSealer is implemented by tpmdevice.Sealer.
type TPMSealer interface {
	Seal(ctx context.Context, label string, secret []byte) ([]byte, error)
	Unseal(ctx context.Context, label string, blob []byte) ([]byte, error)
}

func (o Options) tpmEnabled() bool {
	return o.TPMSealer != nil && o.TPMLabel != ""
}

// ReadEncryptedJSONAuto tries TPM first, then falls back to password with warning.
func ReadEncryptedJSONAuto[T any](ctx context.Context, path string, password []byte, opt Options) (T, error) {
	o := withDefaults(opt)

	if o.tpmEnabled() {
		out, err := ReadTPMEncryptedJSON[T](ctx, path, o)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return out, err
		}
		log.Warn("securefile: TPM decrypt failed, falling back to password mode", "path", path, "error", err)
	}

	return ReadEncryptedJSON[T](path, password, o)
}

// WriteEncryptedJSONAuto prefers TPM; falls back to password with warning.
func WriteEncryptedJSONAuto[T any](ctx context.Context, path string, v T, password []byte, opt Options) error {
	o := withDefaults(opt)

	if o.tpmEnabled() {
		err := WriteTPMEncryptedJSON(ctx, path, v, o)
		if err == nil {
			return nil
		}
		log.Warn("securefile: TPM encrypt failed, falling back to password mode", "path", path, "error", err)
	}

	return WriteEncryptedJSON(path, v, password, o)
}

// WriteEncryptedJSON MODE PASSWORD
func WriteEncryptedJSON[T any](path string, v T, password []byte, opt Options) error {
	o := withDefaults(opt)
	if err := checkPassword(password); err != nil {
		return err
	}

	salt, err := randomBytes(16)
	if err != nil {
		return errors.Wrap(err, "rand salt")
	}
	key := argon2.IDKey(password, salt, o.KDF.Time, o.KDF.Memory, o.KDF.Threads, o.KDF.KeyLen)
	defer zeroBytes(key)

	env := Envelope{
		Version:      envelopeVersion,
		Mode:         modePassword,
		ArgonTime:    o.KDF.Time,
		ArgonMemory:  o.KDF.Memory,
		ArgonThreads: o.KDF.Threads,
		ArgonKeyLen:  o.KDF.KeyLen,
		SaltB64:      base64.StdEncoding.EncodeToString(salt),
	}
	return sealAndWrite(path, v, key, env, o)
}

// WriteTPMEncryptedJSON MODE TPM
func WriteTPMEncryptedJSON[T any](ctx context.Context, path string, v T, opt Options) error {
	o := withDefaults(opt)
	if !o.tpmEnabled() {
		return errors.New("securefile w: TPMSealer and TPMLabel are required")
	}

	dek, err := randomBytes(dekLen)
	if err != nil {
		return errors.Wrap(err, "rand dek")
	}
	defer zeroBytes(dek)

	sealed, err := o.TPMSealer.Seal(ctx, o.TPMLabel, dek)
	if err != nil {
		return errors.Wrap(err, "tpm seal dek")
	}

	env := Envelope{
		Version:      envelopeVersion,
		Mode:         modeTPM,
		SealedDEKB64: base64.StdEncoding.EncodeToString(sealed),
	}
	return sealAndWrite(path, v, dek, env, o)
}

// ReadEncryptedJSON MODE PASSWORD
func ReadEncryptedJSON[T any](path string, password []byte, opt Options) (T, error) {
	var zero T
	o := withDefaults(opt)

	env, err := readEnvelope(path)
	if err != nil {
		return zero, err
	}
	if err := checkPassword(password); err != nil {
		return zero, err
	}
	if env.Mode != "" && strings.ToLower(env.Mode) != modePassword {
		return zero, fmt.Errorf("unsupported mode for password read: %q", env.Mode)
	}

	salt, err := base64.StdEncoding.DecodeString(env.SaltB64)
	if err != nil {
		return zero, errors.Wrap(err, "decode salt")
	}
	key := argon2.IDKey(password, salt, env.ArgonTime, env.ArgonMemory, env.ArgonThreads, env.ArgonKeyLen)
	defer zeroBytes(key)

	return openEnvelope[T](env, key, o)
}

// ReadTPMEncryptedJSON MODE TPM
func ReadTPMEncryptedJSON[T any](ctx context.Context, path string, opt Options) (T, error) {
	var zero T
	o := withDefaults(opt)
	if !o.tpmEnabled() {
		return zero, errors.New("securefile r: TPMSealer and TPMLabel are required")
	}

	env, err := readEnvelope(path)
	if err != nil {
		return zero, err
	}
	if strings.ToLower(env.Mode) != modeTPM {
		return zero, errors.New("not a tpm envelope")
	}

	sealed, err := base64.StdEncoding.DecodeString(env.SealedDEKB64)
	if err != nil {
		return zero, errors.Wrap(err, "decode sealed dek")
	}
	dek, err := o.TPMSealer.Unseal(ctx, o.TPMLabel, sealed)
	if err != nil {
		return zero, ErrInvalidPasswordOrCorrupt
	}
	defer zeroBytes(dek)
	if len(dek) != dekLen {
		return zero, ErrInvalidPasswordOrCorrupt
	}

	return openEnvelope[T](env, dek, o)
}

// AtomicWriteFile MODE PLAIN TEXT (NOT ENCRYPTED)
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"

	// Best effort cleanup if something already exists.
	_ = os.Remove(tmp)

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrap(err, "write tmp")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "rename")
	}
	return nil
}

func sealAndWrite[T any](path string, v T, key []byte, env Envelope, o Options) error {
	if err := os.MkdirAll(filepath.Dir(path), o.DirectoryPerm); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}

	plain, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal json")
	}
	defer zeroBytes(plain)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return errors.Wrap(err, "aead")
	}
	nonce, err := randomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return errors.Wrap(err, "rand nonce")
	}

	env.NonceB64 = base64.StdEncoding.EncodeToString(nonce)
	env.CTB64 = base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, o.AAD))

	b, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	return AtomicWriteFile(path, b, o.FilePerm)
}

func openEnvelope[T any](env Envelope, key []byte, o Options) (T, error) {
	var zero T

	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil {
		return zero, errors.Wrap(err, "decode nonce")
	}
	ct, err := base64.StdEncoding.DecodeString(env.CTB64)
	if err != nil {
		return zero, errors.Wrap(err, "decode ciphertext")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return zero, errors.Wrap(err, "aead")
	}
	plain, err := aead.Open(nil, nonce, ct, o.AAD)
	if err != nil {
		return zero, ErrInvalidPasswordOrCorrupt
	}
	defer zeroBytes(plain)

	var out T
	if err := json.Unmarshal(plain, &out); err != nil {
		return zero, errors.Wrap(err, "unmarshal json")
	}
	return out, nil
}

func readEnvelope(path string) (Envelope, error) {
	var env Envelope
	b, err := os.ReadFile(path)
	if err != nil {
		// keep os.ErrNotExist matchable for callers creating the file lazily
		return env, errors.Wrap(err, "read file")
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, errors.Wrap(err, "unmarshal envelope")
	}
	if env.Version != envelopeVersion {
		return env, fmt.Errorf("unsupported envelope version: %d", env.Version)
	}
	return env, nil
}

func withDefaults(in Options) Options {
	o := in
	if o.KDF.Time == 0 {
		o.KDF = DefaultKDF
	}
	if o.FilePerm == 0 {
		o.FilePerm = 0o600
	}
	if o.DirectoryPerm == 0 {
		o.DirectoryPerm = 0o700
	}
	return o
}

func checkPassword(password []byte) error {
	if len(password) == 0 {
		return errors.New("securefile: empty password")
	}
	if isAllZero(password) {
		return errors.New("securefile: zeroed password buffer")
	}
	return nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
