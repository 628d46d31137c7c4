package teleauth

import (
	"bytes"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

// KeyStore keeps one key in a crash safe directory (main + backup copies with checksum).
// Content is "scheme:hex\n".
type KeyStore struct {
	Dir string
	// Prefix separates several keys in one directory, e.g. "device." and "server.".
	Prefix string
}

type keyFile interface {
	Read() ([]byte, error)
	Write([]byte) (int, error)
}

func (ks KeyStore) file() keyFile {
	return extremofile.New(extremofile.Config{Dir: ks.Dir, FilePrefix: ks.Prefix})
}

func (ks KeyStore) Load() (Key, error) {
	b, err := ks.file().Read()
	if err != nil {
		if extremofile.IsCorrupt(err) {
			return Key{}, errors.Annotatef(err, "keystore dir=%s corrupt", ks.Dir)
		}
		if b == nil {
			return Key{}, errors.Annotatef(err, "keystore dir=%s", ks.Dir)
		}
		// non critical: one of copies is damaged, the other one was used
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return Key{}, errors.NotFoundf("key in dir=%s", ks.Dir)
	}
	return ParseKey(string(b))
}

func (ks KeyStore) Save(k Key) error {
	if err := k.validate(true); err != nil {
		return err
	}
	_, err := ks.file().Write([]byte(k.String() + "\n"))
	return errors.Annotatef(err, "keystore dir=%s", ks.Dir)
}
