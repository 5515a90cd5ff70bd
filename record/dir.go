package record

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// File names inside a record directory.
const (
	PayloadFile    = "payload"
	AttributesFile = "attributes.yaml"
)

const (
	defaultFilePerm = 0o644
	defaultDirPerm  = 0o755
)

// ErrNotRecord is returned by Open when the directory holds no payload.
var ErrNotRecord = errors.New("record: not a record directory")

// createTemp creates the temporary files staged for a commit.
var createTemp = os.CreateTemp

// attributesDoc is the on-disk layout of AttributesFile.
type attributesDoc struct {
	Attributes map[string]string `yaml:"attributes"`
}

// Dir is a record stored in a directory: the payload in PayloadFile and the
// attributes in AttributesFile.
//
// Changes are staged in memory and in a temporary payload file until Commit
// makes them visible. Rollback drops them. A Dir is safe for concurrent use,
// but only one Dir should be open per directory at a time.
type Dir struct {
	mu      sync.Mutex
	path    string
	attrs   map[string]string
	pending string
	dirty   bool
}

// Create initializes a record directory at path with the content of payload
// and no attributes. An existing record at path is replaced.
func Create(path string, payload io.Reader) (*Dir, error) {
	if path == "" {
		return nil, errors.New("record: empty directory path")
	}
	if err := os.MkdirAll(path, defaultDirPerm); err != nil {
		return nil, err
	}
	d := &Dir{path: path, attrs: make(map[string]string), dirty: true}
	if err := d.WritePayload(payload); err != nil {
		return nil, err
	}
	if err := d.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// Open opens the record directory at path.
func Open(path string) (*Dir, error) {
	if _, err := os.Stat(filepath.Join(path, PayloadFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotRecord, path)
		}
		return nil, err
	}
	d := &Dir{path: path}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

// Path returns the record directory.
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) load() error {
	attrs := make(map[string]string)
	data, err := os.ReadFile(filepath.Join(d.path, AttributesFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	default:
		var doc attributesDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", AttributesFile, err)
		}
		maps.Copy(attrs, doc.Attributes)
	}
	d.attrs = attrs
	return nil
}

// Attribute returns the value of the named attribute, including uncommitted
// changes.
func (d *Dir) Attribute(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.attrs[name]
	return v, ok
}

// SetAttribute stages a new value for the named attribute.
func (d *Dir) SetAttribute(name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attrs[name] = value
	d.dirty = true
	return nil
}

// RemoveAttribute stages the removal of the named attribute.
func (d *Dir) RemoveAttribute(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.attrs[name]; ok {
		delete(d.attrs, name)
		d.dirty = true
	}
	return nil
}

// Attributes returns a copy of all attributes, including uncommitted changes.
func (d *Dir) Attributes() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.attrs)
}

// OpenPayload opens the payload, the staged one if WritePayload was called
// since the last Commit.
func (d *Dir) OpenPayload() (io.ReadCloser, error) {
	d.mu.Lock()
	path := d.pending
	d.mu.Unlock()
	if path == "" {
		path = filepath.Join(d.path, PayloadFile)
	}
	return os.Open(path) //nolint:gosec // path is inside the record directory
}

// WritePayload stages the content of r as the new payload.
func (d *Dir) WritePayload(r io.Reader) error {
	f, err := createTemp(d.path, ".payload-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := syncClose(f); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != "" {
		_ = os.Remove(d.pending)
	}
	d.pending = tmp
	return nil
}

// Commit makes staged changes visible in the directory. Both files are
// written and synced under temporary names first, so the commit itself is a
// rename of the payload followed by a rename of the attributes.
func (d *Dir) Commit() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var attrs string
	if d.dirty {
		tmp, err := d.stageAttributes()
		if err != nil {
			return fmt.Errorf("commit attributes: %w", err)
		}
		attrs = tmp
		defer os.Remove(attrs) //nolint:errcheck // gone after a successful rename
	}
	if d.pending != "" {
		if err := os.Chmod(d.pending, defaultFilePerm); err != nil {
			return err
		}
		if err := os.Rename(d.pending, filepath.Join(d.path, PayloadFile)); err != nil {
			return fmt.Errorf("commit payload: %w", err)
		}
		d.pending = ""
	}
	if attrs != "" {
		if err := os.Rename(attrs, filepath.Join(d.path, AttributesFile)); err != nil {
			return fmt.Errorf("commit attributes: %w", err)
		}
		d.dirty = false
	}
	return nil
}

// stageAttributes writes the attributes to a synced temporary file and
// returns its path.
func (d *Dir) stageAttributes() (string, error) {
	data, err := yaml.Marshal(attributesDoc{Attributes: d.attrs})
	if err != nil {
		return "", err
	}
	f, err := createTemp(d.path, ".attributes-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := syncClose(f); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Chmod(tmp, defaultFilePerm); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func syncClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Rollback drops staged changes and reloads the committed attributes.
func (d *Dir) Rollback() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != "" {
		if err := os.Remove(d.pending); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		d.pending = ""
	}
	d.dirty = false
	return d.load()
}
