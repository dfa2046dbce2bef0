package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nexhaptics/haplink/pkg/fault"
)

// Envelope is the wire form of an encrypted message payload.
type Envelope struct {
	KeyID   uint64 `json:"key_id"`
	IV      []byte `json:"iv"`
	Payload []byte `json:"payload"`
}

// KeyringConfig configures message encryption.
type KeyringConfig struct {
	// GracePeriod is how long a rotated-out key stays usable for
	// decrypting in-flight messages before it is erased.
	GracePeriod time.Duration
}

// Keyring holds the current AEAD key plus rotated-out keys inside their
// grace period. Rotation appends a new key and expires old ones; an in-use
// key is never mutated in place.
type Keyring struct {
	cfg KeyringConfig
	now func() time.Time

	mu      sync.Mutex
	current uint64
	keys    map[uint64]*keyEntry
}

type keyEntry struct {
	aead      cipher.AEAD
	material  []byte
	expiresAt time.Time // zero for the current key
}

// NewKeyring creates a keyring with one freshly generated key.
func NewKeyring(cfg KeyringConfig, now func() time.Time) (*Keyring, error) {
	if now == nil {
		now = time.Now
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	k := &Keyring{
		cfg:  cfg,
		now:  now,
		keys: make(map[uint64]*keyEntry),
	}
	if err := k.rotateLocked(); err != nil {
		return nil, err
	}
	return k, nil
}

// Rotate generates a new current key. The previous key remains usable for
// decryption until its grace period elapses.
func (k *Keyring) Rotate() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rotateLocked()
}

func (k *Keyring) rotateLocked() error {
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		return fmt.Errorf("failed to generate key material: %w", err)
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	var idBytes [8]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return fmt.Errorf("failed to generate key id: %w", err)
	}
	id := binary.BigEndian.Uint64(idBytes[:])

	if prev, ok := k.keys[k.current]; ok {
		prev.expiresAt = k.now().Add(k.cfg.GracePeriod)
	}
	k.keys[id] = &keyEntry{aead: aead, material: material}
	k.current = id
	return nil
}

// CurrentKeyID returns the id of the encryption key in use.
func (k *Keyring) CurrentKeyID() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// Encrypt seals plaintext with the current key and a per-message random IV.
func (k *Keyring) Encrypt(plaintext []byte) (*Envelope, error) {
	k.mu.Lock()
	entry := k.keys[k.current]
	id := k.current
	k.mu.Unlock()

	iv := make([]byte, entry.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	return &Envelope{
		KeyID:   id,
		IV:      iv,
		Payload: entry.aead.Seal(nil, iv, plaintext, nil),
	}, nil
}

// Decrypt opens an envelope. Unknown key ids fail fast with a typed
// security fault; expired keys are treated as unknown.
func (k *Keyring) Decrypt(env *Envelope) ([]byte, error) {
	k.mu.Lock()
	k.expireLocked()
	entry, ok := k.keys[env.KeyID]
	k.mu.Unlock()

	if !ok {
		return nil, fault.Newf(fault.KindSecurity, "unknown encryption key id %d", env.KeyID)
	}
	plaintext, err := entry.aead.Open(nil, env.IV, env.Payload, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindSecurity, "message authentication failed", err)
	}
	return plaintext, nil
}

// expireLocked erases keys past their grace period.
func (k *Keyring) expireLocked() {
	now := k.now()
	for id, entry := range k.keys {
		if id == k.current || entry.expiresAt.IsZero() {
			continue
		}
		if now.After(entry.expiresAt) {
			for i := range entry.material {
				entry.material[i] = 0
			}
			delete(k.keys, id)
		}
	}
}

// KeyCount returns the number of usable keys (current + in-grace).
func (k *Keyring) KeyCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.expireLocked()
	return len(k.keys)
}

// MarshalEnvelope encodes an envelope as JSON for transport.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// UnmarshalEnvelope decodes an envelope, failing with a protocol fault on
// malformed input.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, "malformed encrypted envelope", err)
	}
	return &env, nil
}
