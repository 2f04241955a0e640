package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Folder names under the media root, one per asset type.
const (
	frameDir       = "frame"
	personCropDir  = "person_crop"
	vehicleCropDir = "vehicle_crop"
)

// Store persists frames and crops under a fixed directory layout rooted at
// the media root.
type Store struct {
	root string
}

// NewStore creates the media root if needed and returns a store bound to
// its absolute path.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute media root.
func (s *Store) Root() string {
	return s.root
}

// SaveFrame writes the full frame at a deterministic path derived from the
// frame id and the writer tag. Re-writing the same frame is idempotent.
func (s *Store) SaveFrame(frameID uuid.UUID, data []byte, tag string) (string, error) {
	return s.write(frameDir, frameID.String()+tag+".jpg", data)
}

// SavePersonCrop writes a person crop under a fresh unique name.
func (s *Store) SavePersonCrop(frameID uuid.UUID, data []byte) (string, error) {
	return s.write(personCropDir, fmt.Sprintf("%s_%s.jpg", frameID, uuid.New()), data)
}

// SaveVehicleCrop writes a vehicle crop under a fresh unique name.
func (s *Store) SaveVehicleCrop(frameID uuid.UUID, data []byte) (string, error) {
	return s.write(vehicleCropDir, fmt.Sprintf("%s_%s.jpg", frameID, uuid.New()), data)
}

func (s *Store) write(folder, name string, data []byte) (string, error) {
	dir := filepath.Join(s.root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s dir: %w", folder, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Exists reports whether a stored file is still on disk.
func (s *Store) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load reads a stored file after checking it resolves inside the root.
func (s *Store) Load(path string) ([]byte, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}
	return data, nil
}

// Resolve returns the absolute form of path, or an error when it escapes
// the media root.
func (s *Store) Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes media root", path)
	}
	return abs, nil
}
