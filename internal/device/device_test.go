package device

import (
	"context"
	"testing"
)

const sampleListDevices = `USB Camera: Left (usb-0000:01:00.0-1):
	/dev/video0
	/dev/video1

USB Camera: Right (usb-0000:01:00.0-2):
	/dev/video2
	/dev/video3

rk_hdmirx (platform:rk_hdmirx):
	/dev/video10
`

func TestParseListDevicesGroupsNodesUnderFriendlyName(t *testing.T) {
	groups := parseListDevices(sampleListDevices)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if groups[0].name != "USB Camera: Left" {
		t.Errorf("unexpected group name: %q", groups[0].name)
	}
	if len(groups[0].nodes) != 2 || groups[0].nodes[0] != "/dev/video0" {
		t.Errorf("unexpected nodes: %v", groups[0].nodes)
	}
}

func TestDiscoverFiltersIgnoredAndAssignsRolesByKeyword(t *testing.T) {
	d := New(Options{
		LeftKeywords:  []string{"left"},
		RightKeywords: []string{"right"},
	})
	d.run = func(ctx context.Context, name string, args ...string) (string, string, error) {
		return sampleListDevices, "", nil
	}

	descs, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("expected hdmi device filtered out, got %d devices", len(descs))
	}
	if descs[0].RoleHint != RoleLeft || descs[1].RoleHint != RoleRight {
		t.Errorf("unexpected roles: %v %v", descs[0].RoleHint, descs[1].RoleHint)
	}
	if descs[0].DeviceNodePath != "/dev/video0" {
		t.Errorf("expected first node path kept, got %s", descs[0].DeviceNodePath)
	}
}

func TestDiscoverFallsBackToEnumerationOrderForTwoUnmatchedCameras(t *testing.T) {
	const out = `Camera A (usb-1):
	/dev/video0

Camera B (usb-2):
	/dev/video1
`
	d := New(Options{})
	d.run = func(ctx context.Context, name string, args ...string) (string, string, error) {
		return out, "", nil
	}
	descs, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(descs))
	}
	if descs[0].RoleHint != RoleLeft || descs[1].RoleHint != RoleRight {
		t.Errorf("expected enumeration-order fallback, got %v %v", descs[0].RoleHint, descs[1].RoleHint)
	}
}

func TestDiscoverSingleCameraGetsSingleRole(t *testing.T) {
	const out = `Camera A (usb-1):
	/dev/video0
`
	d := New(Options{})
	d.run = func(ctx context.Context, name string, args ...string) (string, string, error) {
		return out, "", nil
	}
	descs, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(descs) != 1 || descs[0].RoleHint != RoleSingle {
		t.Fatalf("expected single camera with RoleSingle, got %+v", descs)
	}
}

func TestDiscoverReturnsEnumerationFailedErrorOnToolFailure(t *testing.T) {
	d := New(Options{})
	d.run = func(ctx context.Context, name string, args ...string) (string, string, error) {
		return "", "no such tool", errFake{}
	}
	_, err := d.Discover(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var efe *EnumerationFailedError
	if !errorsAs(err, &efe) {
		t.Fatalf("expected *EnumerationFailedError, got %T", err)
	}
}

type errFake struct{}

func (errFake) Error() string { return "fake failure" }

func errorsAs(err error, target **EnumerationFailedError) bool {
	for err != nil {
		if e, ok := err.(*EnumerationFailedError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestDiscoverNoCamerasIsNotAnError(t *testing.T) {
	d := New(Options{})
	d.run = func(ctx context.Context, name string, args ...string) (string, string, error) {
		return "", "", nil
	}
	descs, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(descs) != 0 {
		t.Fatalf("expected no devices, got %d", len(descs))
	}
}
