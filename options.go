package sharc

import (
	"os"

	"sigs.k8s.io/yaml"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/crypto"
	"github.com/revred/sharc/internal/pageio"
)

// Options configures an open database handle.
type Options struct {
	// CacheCapacity is the LRU page cache size in pages (default 2000).
	CacheCapacity int `json:"cache_capacity,omitempty"`

	// ReadOnly opens the file via a read-only mapping; Begin fails.
	ReadOnly bool `json:"read_only,omitempty"`

	// PageSize applies when creating a database and when opening an
	// encrypted one, whose size field is not readable up front
	// (default 4096).
	PageSize int `json:"page_size,omitempty"`

	// Encryption enables transparent page encryption.
	Encryption *EncryptionOptions `json:"encryption,omitempty"`
}

// EncryptionOptions carries the password and KDF cost parameters.
type EncryptionOptions struct {
	Password string `json:"password"`

	// Salt feeds the KDF; it is not secret but must be stable for a
	// database's lifetime.
	Salt string `json:"salt,omitempty"`

	KDF KDFOptions `json:"kdf,omitempty"`
}

// KDFOptions mirrors the Argon2id cost parameters.
type KDFOptions struct {
	MemoryKiB   uint32 `json:"memory_kib,omitempty"`
	Time        uint32 `json:"time,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
}

// defaultSalt is used when the caller supplies none.
const defaultSalt = "sharc.v1"

// withDefaults fills unset fields.
func (o *Options) withDefaults() *Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.CacheCapacity <= 0 {
		out.CacheCapacity = pageio.DefaultCacheCapacity
	}
	if out.PageSize <= 0 {
		out.PageSize = pageio.DefaultPageSize
	}
	return &out
}

// buildCipher derives the page cipher when encryption is configured.
func (o *Options) buildCipher() (*crypto.PageCipher, error) {
	if o.Encryption == nil {
		return nil, nil
	}
	if o.Encryption.Password == "" {
		return nil, serrors.NewCrypto(0, "missing password for encrypted database", nil)
	}
	params := crypto.DefaultKDFParams()
	if k := o.Encryption.KDF; k.MemoryKiB != 0 || k.Time != 0 || k.Parallelism != 0 {
		params = crypto.KDFParams{MemoryKiB: k.MemoryKiB, Time: k.Time, Parallelism: k.Parallelism}
	}
	salt := o.Encryption.Salt
	if salt == "" {
		salt = defaultSalt
	}
	key, err := crypto.DeriveKey([]byte(o.Encryption.Password), []byte(salt), params)
	if err != nil {
		return nil, err
	}
	return crypto.NewPageCipher(key, o.PageSize)
}

// OptionsFromYAML loads options from a YAML file.
func OptionsFromYAML(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.Wrap(err, "read options file")
	}
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, serrors.NewArgument("options", err.Error())
	}
	return &opts, nil
}
