package protocol

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FragmentSize is the amount of file content carried by a single File message.
const FragmentSize = 64 << 10

// Kinds of transferred files.
const (
	TransactionFileKind = "transactions"
	ClientLogKind       = "client-log"
)

// FileFragment is the payload of File. The first fragment of a file has
// Offset zero and the last one has Last set; the last fragment may carry no
// data.
type FileFragment struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Offset int64  `json:"offset"`
	Data   []byte `json:"data,omitempty"`
	Last   bool   `json:"last"`
}

// Fragments reads r until EOF and passes consecutive fragments of it to emit.
func Fragments(name, kind string, r io.Reader, emit func(FileFragment) error) error {
	buf := make([]byte, FragmentSize)
	var offset int64
	for {
		n, err := io.ReadFull(r, buf)
		last := err == io.EOF || err == io.ErrUnexpectedEOF
		if err != nil && !last {
			return errors.Wrapf(err, "reading %s", name)
		}
		frag := FileFragment{Name: name, Kind: kind, Offset: offset, Last: last}
		if n > 0 {
			frag.Data = append([]byte(nil), buf[:n]...)
		}
		if err := emit(frag); err != nil {
			return err
		}
		if last {
			return nil
		}
		offset += int64(n)
	}
}

// SendFile streams the file at path to emit, naming it after its base name.
func SendFile(path, kind string, emit func(FileFragment) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Fragments(filepath.Base(path), kind, f, emit)
}

// FileAssembler reassembles File fragments into files below a directory.
// Fragments of different files may interleave.
type FileAssembler struct {
	dir  string
	open map[string]*os.File
}

// NewFileAssembler creates an assembler writing below dir.
func NewFileAssembler(dir string) *FileAssembler {
	return &FileAssembler{dir: dir, open: make(map[string]*os.File)}
}

// Add writes one fragment. When the fragment completes a file, Add returns
// the path of the file; otherwise it returns an empty string.
func (a *FileAssembler) Add(frag FileFragment) (string, error) {
	name := filepath.Base(frag.Name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", &MalformedError{Reason: "bad file name " + frag.Name}
	}
	path := filepath.Join(a.dir, name)
	f, ok := a.open[name]
	if !ok {
		if frag.Offset != 0 {
			return "", &MalformedError{Reason: "missing header fragment of " + name}
		}
		if err := os.MkdirAll(a.dir, 0755); err != nil {
			return "", err
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return "", err
		}
		a.open[name] = f
	}
	if len(frag.Data) > 0 {
		if _, err := f.WriteAt(frag.Data, frag.Offset); err != nil {
			return "", err
		}
	}
	if !frag.Last {
		return "", nil
	}
	delete(a.open, name)
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// Close closes all incomplete files.
func (a *FileAssembler) Close() error {
	var first error
	for name, f := range a.open {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(a.open, name)
	}
	return first
}
