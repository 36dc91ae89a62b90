package index

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/lidarserv/internal/las"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// Node files carry a short binary sidecar ahead of the LAS blob: a magic,
// format flags, and a gob-encoded header with the accepted/bogus split and
// the attribute summaries. Writes go to a temp file which is fsynced and
// renamed into place, so a node file on disk is always either the pre- or
// the post-mutation version.

const (
	nodeFileSuffix  = ".node"
	nodeFileVersion = 1

	flagCompressed = 1 << 0
)

var nodeFileMagic = [4]byte{'L', 'S', 'N', 'F'}

// nodeSidecar is the gob-encoded header of a node file.
type nodeSidecar struct {
	AcceptedCount int
	BogusCount    int
	Summary       []SummarySnapshot
}

// NodeData is the persisted content of one node.
type NodeData struct {
	Points  *pointbuf.Buffer
	Bogus   *pointbuf.Buffer
	Summary []SummarySnapshot
}

// Store persists node contents under a directory, one file per node.
type Store struct {
	dir      string
	codec    *las.Codec
	compress bool
}

// NewStore returns a store over dir, creating it if needed.
func NewStore(dir string, codec *las.Codec, compress bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating node store directory: %w", err)
	}
	return &Store{dir: dir, codec: codec, compress: compress}, nil
}

func (s *Store) fileName(id NodeID) string {
	return filepath.Join(s.dir, id.String()+nodeFileSuffix)
}

// Exists reports whether a node file is on disk.
func (s *Store) Exists(id NodeID) bool {
	_, err := os.Stat(s.fileName(id))
	return err == nil
}

// Write atomically persists a node: encode to a temp file, fsync, rename.
// A failed write is retried once before being surfaced; on error the caller
// must not consider the node persisted.
func (s *Store) Write(id NodeID, data *NodeData) error {
	blob, err := s.encode(data)
	if err != nil {
		return fmt.Errorf("encoding node %s: %w", id, err)
	}
	if err := s.writeAtomic(id, blob); err != nil {
		opsf("write of node %s failed, retrying once: %v", id, err)
		if err = s.writeAtomic(id, blob); err != nil {
			return fmt.Errorf("writing node %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) writeAtomic(id NodeID, blob []byte) error {
	final := s.fileName(id)
	tmp := filepath.Join(s.dir, ".tmp-"+id.String()+nodeFileSuffix)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(blob); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err = f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err = os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) encode(data *NodeData) ([]byte, error) {
	merged := data.Points.Clone()
	if err := merged.Extend(data.Bogus); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(nodeFileMagic[:])
	out.WriteByte(nodeFileVersion)
	flags := byte(0)
	if s.compress {
		flags |= flagCompressed
	}
	out.WriteByte(flags)

	var sidecarBuf bytes.Buffer
	sidecar := nodeSidecar{
		AcceptedCount: data.Points.Len(),
		BogusCount:    data.Bogus.Len(),
		Summary:       data.Summary,
	}
	if err := gob.NewEncoder(&sidecarBuf).Encode(&sidecar); err != nil {
		return nil, fmt.Errorf("encoding sidecar: %w", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(sidecarBuf.Len()))
	out.Write(lenBuf[:])
	out.Write(sidecarBuf.Bytes())

	if s.compress {
		gz := gzip.NewWriter(&out)
		if err := s.codec.Encode(gz, merged); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
	} else if err := s.codec.Encode(&out, merged); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Read loads a node's persisted content.
func (s *Store) Read(id NodeID) (*NodeData, error) {
	f, err := os.Open(s.fileName(id))
	if err != nil {
		return nil, fmt.Errorf("opening node %s: %w", id, err)
	}
	defer f.Close()

	sidecar, flags, err := readSidecar(f, id)
	if err != nil {
		return nil, err
	}

	var pointReader io.Reader = f
	if flags&flagCompressed != 0 {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("node %s: opening compressed points: %w", id, err)
		}
		defer gz.Close()
		pointReader = gz
	}
	merged, err := s.codec.Decode(pointReader)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	if merged.Len() != sidecar.AcceptedCount+sidecar.BogusCount {
		return nil, fmt.Errorf("node %s: sidecar counts %d+%d disagree with %d stored points",
			id, sidecar.AcceptedCount, sidecar.BogusCount, merged.Len())
	}

	accepted := make([]int, sidecar.AcceptedCount)
	for i := range accepted {
		accepted[i] = i
	}
	bogus := make([]int, sidecar.BogusCount)
	for i := range bogus {
		bogus[i] = sidecar.AcceptedCount + i
	}
	return &NodeData{
		Points:  merged.Gather(accepted),
		Bogus:   merged.Gather(bogus),
		Summary: sidecar.Summary,
	}, nil
}

// ReadSidecar loads only a node file's header: counts and attribute
// summaries. Startup recovery uses this to rebuild the skeleton without
// decoding point records.
func (s *Store) ReadSidecar(id NodeID) (accepted, bogus int, summary []SummarySnapshot, err error) {
	f, err := os.Open(s.fileName(id))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("opening node %s: %w", id, err)
	}
	defer f.Close()
	sc, _, err := readSidecar(f, id)
	if err != nil {
		return 0, 0, nil, err
	}
	return sc.AcceptedCount, sc.BogusCount, sc.Summary, nil
}

func readSidecar(r io.Reader, id NodeID) (*nodeSidecar, byte, error) {
	var head [10]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, 0, fmt.Errorf("node %s: reading header: %w", id, err)
	}
	if !bytes.Equal(head[:4], nodeFileMagic[:]) {
		return nil, 0, fmt.Errorf("node %s: bad magic %q", id, head[:4])
	}
	if head[4] != nodeFileVersion {
		return nil, 0, fmt.Errorf("node %s: unsupported file version %d", id, head[4])
	}
	flags := head[5]
	sidecarLen := binary.LittleEndian.Uint32(head[6:])
	raw := make([]byte, sidecarLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, 0, fmt.Errorf("node %s: reading sidecar: %w", id, err)
	}
	var sidecar nodeSidecar
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&sidecar); err != nil {
		return nil, 0, fmt.Errorf("node %s: decoding sidecar: %w", id, err)
	}
	if sidecar.AcceptedCount < 0 || sidecar.BogusCount < 0 {
		return nil, 0, fmt.Errorf("node %s: negative counts in sidecar", id)
	}
	return &sidecar, flags, nil
}

// List enumerates the ids of every node file on disk, in canonical order.
// Leftover temp files from an interrupted write are removed.
func (s *Store) List() ([]NodeID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing node store: %w", err)
	}
	var ids []NodeID
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".tmp-") {
			// An interrupted write; the rename never happened.
			os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if !strings.HasSuffix(name, nodeFileSuffix) {
			continue
		}
		id, err := ParseNodeID(strings.TrimSuffix(name, nodeFileSuffix))
		if err != nil {
			opsf("ignoring unparseable node file %q: %v", name, err)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids, nil
}
