package mount

import (
	"context"
	"strings"
	"sync"

	"github.com/moby/sys/mountinfo"
	mountutils "k8s.io/mount-utils"
)

// MockMounter is an in-memory Mounter for testing. Mounts are recorded in a
// mount-utils FakeMounter and Find reads them back through the same matching
// rules as the real mount table.
type MockMounter struct {
	*mounter

	// Fake holds the mount points and the action log
	Fake *mountutils.FakeMounter

	mu         sync.Mutex
	formatted  map[string]string
	mountErr   error
	unmountErr error
}

// NewMockMounter creates a new MockMounter for testing
func NewMockMounter() *MockMounter {
	fake := mountutils.NewFakeMounter(nil)
	m := &MockMounter{
		Fake:      fake,
		formatted: make(map[string]string),
	}
	m.mounter = &mounter{
		safe:       &mountutils.SafeFormatAndMount{Interface: fake},
		listMounts: m.list,
		detach:     fake.Unmount,
	}
	return m
}

// SetMountError makes subsequent mounts fail with err (test helper)
func (m *MockMounter) SetMountError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mountErr = err
}

// SetUnmountError makes subsequent unmounts fail with err (test helper)
func (m *MockMounter) SetUnmountError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmountErr = err
}

// FormattedAs returns the filesystem device was formatted with, if any (test helper)
func (m *MockMounter) FormattedAs(device string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.formatted[device]
}

// Actions returns the recorded mount and unmount actions (test helper)
func (m *MockMounter) Actions() []mountutils.FakeAction {
	return m.Fake.GetLog()
}

// Mount implements Mounter
func (m *MockMounter) Mount(source, target string, bind bool, fsType string, options []string) error {
	if err := m.injected(false); err != nil {
		return err
	}
	return m.mounter.Mount(source, target, bind, fsType, options)
}

// FormatAndMount implements Mounter. Formatting only records the filesystem
// type the first time a device is seen.
func (m *MockMounter) FormatAndMount(device, target, fsType string, options []string) error {
	if err := m.injected(false); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.formatted[device]; !ok {
		m.formatted[device] = fsType
	}
	m.mu.Unlock()
	return m.mounter.Mount(device, target, false, fsType, options)
}

// Unmount implements Mounter
func (m *MockMounter) Unmount(target string, lazy bool) error {
	if err := m.injected(true); err != nil {
		return err
	}
	return m.mounter.Unmount(target, lazy)
}

func (m *MockMounter) injected(unmount bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if unmount {
		return m.unmountErr
	}
	return m.mountErr
}

func (m *MockMounter) list(context.Context) ([]*mountinfo.Info, error) {
	points, err := m.Fake.List()
	if err != nil {
		return nil, err
	}

	infos := make([]*mountinfo.Info, 0, len(points))
	for i, mp := range points {
		infos = append(infos, &mountinfo.Info{
			ID:         i + 1,
			Source:     mp.Device,
			Mountpoint: mp.Path,
			FSType:     mp.Type,
			Options:    strings.Join(mp.Opts, ","),
		})
	}
	return infos, nil
}
