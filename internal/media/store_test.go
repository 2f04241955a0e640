package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.viam.com/test"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "media"))
	test.That(t, err, test.ShouldBeNil)
	return store
}

func TestSaveFrameDeterministicPath(t *testing.T) {
	store := newTestStore(t)
	frameID := uuid.New()

	path, err := store.SaveFrame(frameID, []byte("jpeg-bytes"), "_person")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldEqual, filepath.Join(store.Root(), "frame", frameID.String()+"_person.jpg"))

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "jpeg-bytes")

	// Re-saving the same frame overwrites in place.
	again, err := store.SaveFrame(frameID, []byte("newer-bytes"), "_person")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldEqual, path)
	data, err = os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "newer-bytes")
}

func TestSaveCropsUniqueNames(t *testing.T) {
	store := newTestStore(t)
	frameID := uuid.New()

	first, err := store.SavePersonCrop(frameID, []byte("crop-a"))
	test.That(t, err, test.ShouldBeNil)
	second, err := store.SavePersonCrop(frameID, []byte("crop-b"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first, test.ShouldNotEqual, second)
	test.That(t, strings.Contains(first, filepath.Join("person_crop", frameID.String())), test.ShouldBeTrue)

	vehicle, err := store.SaveVehicleCrop(frameID, []byte("crop-v"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Contains(vehicle, string(filepath.Separator)+"vehicle_crop"+string(filepath.Separator)), test.ShouldBeTrue)
}

func TestExists(t *testing.T) {
	store := newTestStore(t)

	path, err := store.SaveFrame(uuid.New(), []byte("x"), "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, store.Exists(path), test.ShouldBeTrue)
	test.That(t, store.Exists(filepath.Join(store.Root(), "frame", "missing.jpg")), test.ShouldBeFalse)

	// Directories do not count as stored files.
	test.That(t, store.Exists(filepath.Join(store.Root(), "frame")), test.ShouldBeFalse)
}

func TestLoad(t *testing.T) {
	store := newTestStore(t)

	path, err := store.SaveFrame(uuid.New(), []byte("payload"), "")
	test.That(t, err, test.ShouldBeNil)

	data, err := store.Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "payload")

	_, err = store.Load(filepath.Join(store.Root(), "frame", "missing.jpg"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestResolveRejectsEscapes(t *testing.T) {
	store := newTestStore(t)

	inside, err := store.Resolve(filepath.Join(store.Root(), "frame", "a.jpg"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, inside, test.ShouldEqual, filepath.Join(store.Root(), "frame", "a.jpg"))

	_, err = store.Resolve(filepath.Join(store.Root(), "..", "secret.txt"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "escapes media root")

	_, err = store.Resolve("/etc/passwd")
	test.That(t, err, test.ShouldNotBeNil)

	_, err = store.Load(filepath.Join(store.Root(), "..", "outside.jpg"))
	test.That(t, err, test.ShouldNotBeNil)
}
