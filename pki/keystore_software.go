package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/semaphore"

	"github.com/certmill/certmill/internal/util"
	"github.com/certmill/certmill/storage"
)

// rsaKeyBits matches the issuance profile of the backend this registry
// replaces: RSA-2048 with SHA256WithRSA signatures.
const rsaKeyBits = 2048

const keystoreMetaID = "keystore"

// keystoreMeta persists the KDF salt and parameters for the master key so
// sealed blobs survive restarts.
type keystoreMeta struct {
	Salt   string              `json:"salt"`
	Params util.Argon2idParams `json:"params"`
}

// SoftwareKeyStore holds RSA private keys in memory and seals them with a
// master key derived from a passphrase. The master key itself lives in a
// memguard Enclave and is only decrypted for the duration of a seal/unseal
// call.
//
// Keys are ephemeral until sealed; the registry persists the sealed blobs
// alongside certificate records.
type SoftwareKeyStore struct {
	mu     sync.Mutex
	keys   map[string]*rsa.PrivateKey
	master *memguard.Enclave
	seq    int
	sem    *semaphore.Weighted
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore derives the master sealing key from passphrase using
// Argon2id. The KDF salt and parameters are read from (or on first use
// written to) the repository so that sealed keys remain recoverable.
func NewSoftwareKeyStore(repo storage.Repository, passphrase string) (*SoftwareKeyStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: master passphrase must not be empty", ErrValidation)
	}

	meta, err := loadOrCreateKeystoreMeta(repo)
	if err != nil {
		return nil, err
	}
	salt, err := util.HexDecode(meta.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding keystore salt: %w", err)
	}
	masterKey, err := util.DeriveArgon2idKey(passphrase, salt, meta.Params)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}
	enclave := memguard.NewEnclave(masterKey) // wipes masterKey

	return &SoftwareKeyStore{
		keys:   make(map[string]*rsa.PrivateKey),
		master: enclave,
		sem:    semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}, nil
}

func loadOrCreateKeystoreMeta(repo storage.Repository) (*keystoreMeta, error) {
	rec, err := repo.Get(storage.TypeMeta, keystoreMetaID)
	if err == nil {
		var meta keystoreMeta
		if err := json.Unmarshal(rec.Data, &meta); err != nil {
			return nil, fmt.Errorf("decoding keystore metadata: %w", err)
		}
		return &meta, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading keystore metadata: %w", err)
	}

	salt, err := util.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	meta := &keystoreMeta{Salt: util.HexEncode(salt), Params: util.DefaultArgon2idParams()}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	err = repo.Create(storage.TypeMeta, keystoreMetaID, &storage.Record{Version: 1, Data: data})
	if err != nil && !errors.Is(err, storage.ErrDuplicate) {
		return nil, fmt.Errorf("storing keystore metadata: %w", err)
	}
	if errors.Is(err, storage.ErrDuplicate) {
		// Another process initialized concurrently; use its salt.
		return loadOrCreateKeystoreMeta(repo)
	}
	return meta, nil
}

func (s *SoftwareKeyStore) nextID() string {
	s.seq++
	return fmt.Sprintf("sw-%d", s.seq)
}

// GenerateKey creates a new RSA-2048 key pair. Generation runs through a
// semaphore sized to the available cores so a burst of issuance requests
// queues instead of saturating the process; waiting is cancellable via ctx.
func (s *SoftwareKeyStore) GenerateKey(ctx context.Context) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for keygen slot: %w", err)
	}
	defer s.sem.Release(1)

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", fmt.Errorf("%w: generating RSA key: %v", ErrCrypto, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.keys[id] = priv
	return id, nil
}

// Signer returns the *rsa.PrivateKey (which implements crypto.Signer).
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return priv, nil
}

// Seal encrypts the PKCS#8-encoded private key with the master key.
func (s *SoftwareKeyStore) Seal(keyID string, aad []byte) ([]byte, error) {
	s.mu.Lock()
	priv, ok := s.keys[keyID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	defer util.WipeBytes(der)

	master, err := s.master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master key enclave: %w", err)
	}
	defer master.Destroy()

	return util.SealAES(der, master.Bytes(), aad)
}

// Unseal decrypts a sealed blob and loads the key into the store.
func (s *SoftwareKeyStore) Unseal(blob, aad []byte) (string, error) {
	master, err := s.master.Open()
	if err != nil {
		return "", fmt.Errorf("opening master key enclave: %w", err)
	}
	defer master.Destroy()

	der, err := util.OpenAES(blob, master.Bytes(), aad)
	if err != nil {
		return "", fmt.Errorf("unsealing private key: %w", err)
	}
	defer util.WipeBytes(der)

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return "", fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return "", fmt.Errorf("unexpected private key type %T", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.keys[id] = priv
	return id, nil
}

// Delete removes the key from memory.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
