// Package keystore keeps signing key pairs as PEM files in a directory, one
// pair per rotation period:
//
//	<dir>/2025-06.key.pem   private half, mode 0600
//	<dir>/2025-06.pub.pem   public half, mode 0644
//
// The private file is the commit point. It is published with a hard link
// from a fully written and synced temp file, so a concurrent writer for the
// same id (in this process or another) gets ErrAlreadyExists instead of
// clobbering committed key material.
package keystore

import (
	"context"
	"crypto"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/aussiebroadwan/authcore/pkg/cryptox"
)

const (
	privSuffix = ".key.pem"
	pubSuffix  = ".pub.pem"
	tmpMarker  = ".tmp-"

	blockPlain  = "PRIVATE KEY"
	blockSealed = "SEALED PRIVATE KEY"

	hdrKeyID     = "Key-Id"
	hdrAlgorithm = "Algorithm"
	hdrCreatedAt = "Created-At"

	dirPerm = 0o700
	pubPerm = 0o644

	// staleTempAge is how old an orphaned temp file must be before Open
	// sweeps it. Writers finish in well under a second.
	staleTempAge = 10 * time.Minute
)

// Option configures a Keystore.
type Option func(*Keystore)

// WithSealer encrypts private keys at rest. Without it private keys are
// stored as plain PKCS#8 and protected by file permissions only.
func WithSealer(s *cryptox.Sealer) Option {
	return func(k *Keystore) { k.sealer = s }
}

// WithLogger sets where post-commit problems are reported. Defaults to
// slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(k *Keystore) { k.logger = l }
}

// Keystore is a filesystem-backed store.KeyPairs.
type Keystore struct {
	dir    string
	sealer *cryptox.Sealer
	logger *slog.Logger
}

var _ store.KeyPairs = (*Keystore)(nil)

// Open prepares dir (creating it 0700 if needed, tightening it if it is
// group or world accessible) and sweeps stale temp files.
func Open(dir string, opts ...Option) (*Keystore, error) {
	if dir == "" {
		return nil, errors.New("keystore: empty directory")
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("keystore: create dir: %w", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: stat dir: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("keystore: restrict dir permissions: %w", err)
		}
	}

	k := &Keystore{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(k)
	}

	k.sweepTemps(time.Now())
	return k, nil
}

// Dir returns the keystore root.
func (k *Keystore) Dir() string { return k.dir }

// Sealed reports whether private keys are encrypted at rest.
func (k *Keystore) Sealed() bool { return k.sealer != nil }

func (k *Keystore) privPath(keyID string) string { return filepath.Join(k.dir, keyID+privSuffix) }
func (k *Keystore) pubPath(keyID string) string  { return filepath.Join(k.dir, keyID+pubSuffix) }

// Get loads the key pair for keyID. Ids that are not valid periods can never
// have been stored and report ErrNotFound.
func (k *Keystore) Get(ctx context.Context, keyID string) (domain.KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return domain.KeyPair{}, err
	}
	if _, err := domain.ParsePeriod(keyID); err != nil {
		return domain.KeyPair{}, fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}

	data, err := os.ReadFile(k.privPath(keyID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.KeyPair{}, store.ErrNotFound
		}
		return domain.KeyPair{}, fmt.Errorf("keystore: read private key %s: %w", keyID, err)
	}

	kp, err := k.decodePrivate(keyID, data)
	if err != nil {
		return domain.KeyPair{}, err
	}

	// The public file is a convenience copy; the private key is authoritative.
	pubData, err := os.ReadFile(k.pubPath(keyID))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kp.PublicKey = kp.PrivateKey.Public()
	case err != nil:
		k.logger.Warn("keystore: public key unreadable, deriving from private key", "kid", keyID, "error", err)
		kp.PublicKey = kp.PrivateKey.Public()
	default:
		pub, err := cryptox.ParsePublicKeyPEM(pubData)
		if err != nil {
			return domain.KeyPair{}, fmt.Errorf("keystore: public key %s: %w", keyID, err)
		}
		if !publicKeysEqual(pub, kp.PrivateKey.Public()) {
			return domain.KeyPair{}, fmt.Errorf("keystore: public key %s does not match private key", keyID)
		}
		kp.PublicKey = pub
	}

	return kp, nil
}

func (k *Keystore) decodePrivate(keyID string, data []byte) (domain.KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return domain.KeyPair{}, fmt.Errorf("keystore: invalid PEM in %s", keyID+privSuffix)
	}
	if got := block.Headers[hdrKeyID]; got != keyID {
		return domain.KeyPair{}, fmt.Errorf("keystore: %s carries key id %q", keyID+privSuffix, got)
	}

	der := block.Bytes
	switch block.Type {
	case blockPlain:
	case blockSealed:
		if k.sealer == nil {
			return domain.KeyPair{}, fmt.Errorf("keystore: %s is sealed but no master key is configured", keyID)
		}
		opened, err := k.sealer.Open(der, []byte(keyID))
		if err != nil {
			return domain.KeyPair{}, fmt.Errorf("keystore: unseal %s: %w", keyID, err)
		}
		der = opened
	default:
		return domain.KeyPair{}, fmt.Errorf("keystore: unexpected PEM type %q in %s", block.Type, keyID)
	}

	priv, err := cryptox.ParsePrivateKeyDER(der)
	if err != nil {
		return domain.KeyPair{}, fmt.Errorf("keystore: %s: %w", keyID, err)
	}

	alg, err := cryptox.AlgorithmOf(priv)
	if err != nil {
		return domain.KeyPair{}, err
	}
	if hdr := block.Headers[hdrAlgorithm]; hdr != "" && hdr != alg {
		return domain.KeyPair{}, fmt.Errorf("keystore: %s header says %s but key is %s", keyID, hdr, alg)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, block.Headers[hdrCreatedAt])
	if err != nil {
		return domain.KeyPair{}, fmt.Errorf("keystore: %s created-at: %w", keyID, err)
	}

	return domain.KeyPair{
		KeyID:      keyID,
		Algorithm:  alg,
		PrivateKey: priv,
		CreatedAt:  createdAt,
	}, nil
}

// Put commits kp. It never overwrites: if a private key for kp.KeyID is
// already committed it returns store.ErrAlreadyExists and leaves the
// existing files untouched. A nil return means the private half is
// committed; publishing the public copy after that point is best effort
// and only logged, since Get derives it from the private half.
func (k *Keystore) Put(ctx context.Context, kp domain.KeyPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := domain.ParsePeriod(kp.KeyID); err != nil {
		return err
	}
	if kp.PrivateKey == nil {
		return errors.New("keystore: nil private key")
	}

	alg, err := cryptox.AlgorithmOf(kp.PrivateKey)
	if err != nil {
		return err
	}
	if kp.CreatedAt.IsZero() {
		kp.CreatedAt = time.Now()
	}

	privPEM, err := k.encodePrivate(kp, alg)
	if err != nil {
		return err
	}
	pubPEM, err := cryptox.MarshalPublicKeyPEM(kp.PrivateKey.Public())
	if err != nil {
		return err
	}

	privTmp, err := k.writeTemp(kp.KeyID+privSuffix, privPEM, 0o600)
	if err != nil {
		return err
	}
	defer os.Remove(privTmp)

	pubTmp, err := k.writeTemp(kp.KeyID+pubSuffix, pubPEM, pubPerm)
	if err != nil {
		return err
	}
	defer os.Remove(pubTmp) // no-op after a successful rename

	// Commit point. Link fails with EEXIST if anyone got here first.
	if err := os.Link(privTmp, k.privPath(kp.KeyID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("keystore: commit %s: %w", kp.KeyID, err)
	}

	if err := os.Rename(pubTmp, k.pubPath(kp.KeyID)); err != nil {
		k.logger.Warn("keystore: public key not published", "kid", kp.KeyID, "error", err)
	}
	if err := k.syncDir(); err != nil {
		k.logger.Warn("keystore: directory sync after commit failed", "kid", kp.KeyID, "error", err)
	}
	return nil
}

func (k *Keystore) encodePrivate(kp domain.KeyPair, alg string) ([]byte, error) {
	der, err := cryptox.MarshalPrivateKeyDER(kp.PrivateKey)
	if err != nil {
		return nil, err
	}

	blockType := blockPlain
	if k.sealer != nil {
		if der, err = k.sealer.Seal(der, []byte(kp.KeyID)); err != nil {
			return nil, err
		}
		blockType = blockSealed
	}

	return pem.EncodeToMemory(&pem.Block{
		Type: blockType,
		Headers: map[string]string{
			hdrKeyID:     kp.KeyID,
			hdrAlgorithm: alg,
			hdrCreatedAt: kp.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		Bytes: der,
	}), nil
}

// writeTemp writes data to a fresh temp file next to its final name and
// fsyncs it.
func (k *Keystore) writeTemp(final string, data []byte, perm os.FileMode) (string, error) {
	f, err := os.CreateTemp(k.dir, "."+final+tmpMarker+"*")
	if err != nil {
		return "", fmt.Errorf("keystore: create temp: %w", err)
	}
	name := f.Name()

	err = f.Chmod(perm)
	if err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("keystore: write %s: %w", final, err)
	}
	return name, nil
}

func (k *Keystore) syncDir() error {
	d, err := os.Open(k.dir)
	if err != nil {
		return fmt.Errorf("keystore: open dir: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("keystore: sync dir: %w", err)
	}
	return nil
}

// List returns committed key ids, oldest period first.
func (k *Keystore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, privSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, privSuffix)
		if _, err := domain.ParsePeriod(id); err != nil {
			continue
		}
		ids = append(ids, id)
	}

	// "YYYY-MM" sorts lexically in period order.
	slices.Sort(ids)
	return ids, nil
}

// Delete removes both halves of keyID. Only the purge of retired keys calls
// this.
func (k *Keystore) Delete(ctx context.Context, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := domain.ParsePeriod(keyID); err != nil {
		return err
	}

	for _, p := range []string{k.privPath(keyID), k.pubPath(keyID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("keystore: delete %s: %w", keyID, err)
		}
	}
	return k.syncDir()
}

// sweepTemps removes temp files left behind by writers that crashed.
func (k *Keystore) sweepTemps(now time.Time) {
	entries, err := os.ReadDir(k.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") || !strings.Contains(e.Name(), tmpMarker) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < staleTempAge {
			continue
		}
		_ = os.Remove(filepath.Join(k.dir, e.Name()))
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}
