package kvstore

import (
	"context"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/wallet-session-client/internal/constants"
	"github.com/quantumauth-io/wallet-session-client/internal/securefile"
)

type fileData struct {
	Schema int               `json:"schema"`
	Values map[string]string `json:"values"`
}

// File is a Store persisted as a single encrypted JSON document. Every write rewrites
// the document atomically, so a crash leaves either the old or the new contents.
type File struct {
	path     string
	opt      securefile.Options
	password *memguard.Enclave

	mu     sync.Mutex
	loaded bool
	data   fileData
}

var _ Store = (*File)(nil)

// FileOptions configures NewFile.
type FileOptions struct {
	// Path overrides the canonical config path.
	Path string
	// Password derives the file key when no TPM sealer is set, and is the fallback when
	// the sealer fails. The slice is wiped.
	Password []byte
	// Sealer seals a random data key with the TPM when set.
	Sealer securefile.TPMSealer
	// KDF overrides the Argon2id parameters (tests).
	KDF securefile.KDFParams
}

// NewFile binds a File store to its path. Nothing is read until first use.
func NewFile(in FileOptions) (*File, error) {
	path := in.Path
	if path == "" {
		paths, err := securefile.ConfigPathCandidates(constants.AppName, constants.StoreFileName)
		if err != nil {
			return nil, err
		}
		found, err := securefile.FirstExisting(paths)
		if err != nil {
			return nil, err
		}
		path = paths[0]
		if found != "" {
			path = found
		}
	}
	if len(in.Password) == 0 && in.Sealer == nil {
		return nil, errors.New("kvstore: file store needs a password or a TPM sealer")
	}

	opt := securefile.Options{
		KDF:           in.KDF,
		FilePerm:      constants.FilePerm,
		DirectoryPerm: constants.DirectoryPerm,
		AAD:           []byte(constants.StoreAAD),
	}
	if in.Sealer != nil {
		opt.TPMSealer = in.Sealer
		opt.TPMLabel = constants.StoreSealerLabel
	}

	f := &File{path: path, opt: opt}
	if len(in.Password) > 0 {
		f.password = memguard.NewEnclave(in.Password)
	}
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureLoaded(ctx); err != nil {
		return "", err
	}
	v, ok := f.data.Values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *File) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureLoaded(ctx); err != nil {
		return err
	}
	prev, had := f.data.Values[key]
	f.data.Values[key] = value
	if err := f.persist(ctx); err != nil {
		if had {
			f.data.Values[key] = prev
		} else {
			delete(f.data.Values, key)
		}
		return err
	}
	return nil
}

func (f *File) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureLoaded(ctx); err != nil {
		return err
	}
	prev, had := f.data.Values[key]
	if !had {
		return nil
	}
	delete(f.data.Values, key)
	if err := f.persist(ctx); err != nil {
		f.data.Values[key] = prev
		return err
	}
	return nil
}

func (f *File) ensureLoaded(ctx context.Context) error {
	if f.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := f.withPassword(func(pw []byte) error {
		d, err := securefile.ReadEncryptedJSONAuto[fileData](ctx, f.path, pw, f.opt)
		if err != nil {
			return err
		}
		f.data = d
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		log.Info("no session store file found, starting empty", "path", f.path)
		f.data = fileData{Schema: constants.SchemaV1}
	default:
		return errors.Wrapf(err, "load session store %s", f.path)
	}

	if f.data.Values == nil {
		f.data.Values = map[string]string{}
	}
	f.loaded = true
	return nil
}

func (f *File) persist(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.withPassword(func(pw []byte) error {
		return securefile.WriteEncryptedJSONAuto(ctx, f.path, f.data, pw, f.opt)
	})
}

func (f *File) withPassword(fn func(pw []byte) error) error {
	if f.password == nil {
		return fn(nil)
	}
	buf, err := f.password.Open()
	if err != nil {
		return errors.Wrap(err, "open password enclave")
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
