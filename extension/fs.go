package extension

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cocoon-run/cocoon/value"
)

// MountMode is the permission level of a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows writes to existing files.
	MountReadWrite
	// MountReadWriteCreate additionally allows creating files and
	// directories.
	MountReadWriteCreate
)

// Mount maps a virtual path prefix onto a host directory.
type Mount struct {
	VirtualPath string
	HostPath    string
	Mode        MountMode
}

// FS resolves fs.* extension calls through an explicit mount table.
// Paths outside every mount do not exist as far as scripts can tell.
// The table is fixed at construction.
type FS struct {
	mounts []Mount
}

func NewFS(mounts ...Mount) *FS {
	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{
			VirtualPath: vp,
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	return &FS{mounts: normalized}
}

func (f *FS) Methods() []string {
	return []string{"read", "write", "list", "exists", "mkdir", "remove", "stat"}
}

func (f *FS) Call(ctx context.Context, method string, args []value.Value) (value.Value, error) {
	p := params(args)
	switch method {
	case "read":
		return f.read(p)
	case "write":
		return f.write(p)
	case "list":
		return f.list(p)
	case "exists":
		return f.exists(p)
	case "mkdir":
		return f.mkdir(p)
	case "remove":
		return f.remove(p)
	case "stat":
		return f.stat(p)
	default:
		return value.Null(), fmt.Errorf("unknown method %q", method)
	}
}

// resolve maps a virtual path onto the host filesystem. The cleaned
// virtual path must fall under a mount, and the absolute host path must
// stay under that mount's root even after symlink-free normalization.
func (f *FS) resolve(virtualPath string, needWrite bool) (string, *Mount, error) {
	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	for i := range f.mounts {
		m := &f.mounts[i]
		if vp != m.VirtualPath && !strings.HasPrefix(vp, m.VirtualPath+"/") {
			continue
		}
		if needWrite && m.Mode == MountReadOnly {
			return "", nil, fmt.Errorf("permission denied: read-only mount")
		}

		rel := strings.TrimPrefix(vp, m.VirtualPath)
		hostPath, err := filepath.Abs(filepath.Join(m.HostPath, rel))
		if err != nil {
			return "", nil, fmt.Errorf("invalid path")
		}
		if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
			return "", nil, fmt.Errorf("permission denied: path escape attempt")
		}
		return hostPath, m, nil
	}

	return "", nil, fmt.Errorf("permission denied: path not in any mount")
}

func pathParam(p map[string]value.Value) (string, error) {
	path := p["path"].AsString()
	if path == "" {
		return "", fmt.Errorf("path required")
	}
	return path, nil
}

func (f *FS) read(p map[string]value.Value) (value.Value, error) {
	path, err := pathParam(p)
	if err != nil {
		return value.Null(), err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return value.Null(), err
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return value.Null(), fmt.Errorf("file not found: %s", path)
		}
		return value.Null(), fmt.Errorf("read error: %v", err)
	}
	return value.String(string(data)), nil
}

func (f *FS) write(p map[string]value.Value) (value.Value, error) {
	path, err := pathParam(p)
	if err != nil {
		return value.Null(), err
	}
	content, ok := p["content"]
	if !ok || content.Kind() != value.KindString {
		return value.Null(), fmt.Errorf("content required")
	}

	hostPath, mount, err := f.resolve(path, true)
	if err != nil {
		return value.Null(), err
	}
	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) && mount.Mode != MountReadWriteCreate {
		return value.Null(), fmt.Errorf("permission denied: cannot create new files")
	}

	if err := os.WriteFile(hostPath, []byte(content.AsString()), 0644); err != nil {
		return value.Null(), fmt.Errorf("write error: %v", err)
	}
	return value.String("ok"), nil
}

func (f *FS) list(p map[string]value.Value) (value.Value, error) {
	path, err := pathParam(p)
	if err != nil {
		return value.Null(), err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return value.Null(), err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return value.Null(), fmt.Errorf("directory not found: %s", path)
		}
		return value.Null(), fmt.Errorf("list error: %v", err)
	}

	out := make([]value.Value, 0, len(entries))
	for _, entry := range entries {
		item := map[string]value.Value{
			"name":   value.String(entry.Name()),
			"is_dir": value.Bool(entry.IsDir()),
		}
		if info, err := entry.Info(); err == nil {
			item["size"] = value.Number(float64(info.Size()))
		}
		out = append(out, value.MapOf(item))
	}
	return value.ArrayOf(out...), nil
}

func (f *FS) exists(p map[string]value.Value) (value.Value, error) {
	path, err := pathParam(p)
	if err != nil {
		return value.Null(), err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		// Unmounted paths do not exist from the script's perspective.
		return value.Bool(false), nil
	}
	_, err = os.Stat(hostPath)
	return value.Bool(err == nil), nil
}

func (f *FS) mkdir(p map[string]value.Value) (value.Value, error) {
	path, err := pathParam(p)
	if err != nil {
		return value.Null(), err
	}
	hostPath, mount, err := f.resolve(path, true)
	if err != nil {
		return value.Null(), err
	}
	if mount.Mode != MountReadWriteCreate {
		return value.Null(), fmt.Errorf("permission denied: cannot create directories")
	}

	if err := os.MkdirAll(hostPath, 0755); err != nil {
		return value.Null(), fmt.Errorf("mkdir error: %v", err)
	}
	return value.String("ok"), nil
}

func (f *FS) remove(p map[string]value.Value) (value.Value, error) {
	path, err := pathParam(p)
	if err != nil {
		return value.Null(), err
	}
	hostPath, _, err := f.resolve(path, true)
	if err != nil {
		return value.Null(), err
	}

	if err := os.Remove(hostPath); err != nil {
		if os.IsNotExist(err) {
			return value.Null(), fmt.Errorf("file not found: %s", path)
		}
		if strings.Contains(err.Error(), "not empty") {
			return value.Null(), fmt.Errorf("directory not empty: %s", path)
		}
		return value.Null(), fmt.Errorf("remove error: %v", err)
	}
	return value.String("ok"), nil
}

func (f *FS) stat(p map[string]value.Value) (value.Value, error) {
	path, err := pathParam(p)
	if err != nil {
		return value.Null(), err
	}
	hostPath, _, err := f.resolve(path, false)
	if err != nil {
		return value.Null(), err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return value.Null(), fmt.Errorf("file not found: %s", path)
		}
		return value.Null(), fmt.Errorf("stat error: %v", err)
	}

	return value.MapOf(map[string]value.Value{
		"name":     value.String(info.Name()),
		"size":     value.Number(float64(info.Size())),
		"is_dir":   value.Bool(info.IsDir()),
		"mod_time": value.Number(float64(info.ModTime().Unix())),
	}), nil
}
