package state

import (
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
)

type FullReader interface {
	Normalize(key string) string
	// nil,nil = not found
	ReadAll(key string) ([]byte, error)
}

type OsFullReader struct {
	base string
}

func NewOsFullReader() *OsFullReader { return &OsFullReader{} }

func (self *OsFullReader) SetBase(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	self.base = abs
}

func (self OsFullReader) Normalize(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(self.base, path))
}

func (OsFullReader) ReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	b, err := io.ReadAll(f)
	f.Close()
	return b, err
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (self *MockFullReader) Normalize(name string) string {
	return filepath.Clean(name)
}

func (self *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := self.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}

// ReadDotenv parses KEY=value file, missing file is empty result.
func ReadDotenv(fs FullReader, name string) (map[string]string, error) {
	bs, err := fs.ReadAll(fs.Normalize(name))
	if err != nil {
		return nil, errors.Annotatef(err, "dotenv source=%s", name)
	}
	if bs == nil {
		return map[string]string{}, nil
	}
	m, err := godotenv.Unmarshal(string(bs))
	return m, errors.Annotatef(err, "dotenv parse source=%s", name)
}

// Getenv prefers process environment over dotenv values, like godotenv.Load.
func Getenv(dotenv map[string]string) func(string) string {
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	}
}
