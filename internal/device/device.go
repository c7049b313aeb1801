// Package device implements the Device Discoverer (C1 in the spec):
// enumerate V4L2 devices, filter out non-camera nodes, and assign
// left/right/single roles. Enumeration shells out to v4l2-ctl, the same
// way the teacher's dvr.go shells out to ffmpeg — a subprocess is the
// idiomatic way to drive a system tool from Go when no native binding
// exists in the pack.
package device

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"smartscope/internal/logging"
)

var log = logging.For("device")

// Role is the logical camera position assigned to a discovered device.
type Role int

const (
	RoleUnknown Role = iota
	RoleLeft
	RoleRight
	RoleSingle
)

func (r Role) String() string {
	switch r {
	case RoleLeft:
		return "left"
	case RoleRight:
		return "right"
	case RoleSingle:
		return "single"
	default:
		return "unknown"
	}
}

// Capabilities is the supplemented capability probe recovered from
// crates/usb-camera/src/control.rs: best-effort, never fatal to discovery.
type Capabilities struct {
	SupportedFormats []string
	MaxWidth         int
	MaxHeight        int
}

// DeviceDescriptor is one discovered camera.
type DeviceDescriptor struct {
	Name           string
	Description    string
	DeviceNodePath string
	RoleHint       Role
	Capabilities   *Capabilities // nil if the probe failed or was skipped
}

// EnumerationFailedError is returned only when the enumeration tool itself
// errors (§4.1); the absence of cameras is never an error.
type EnumerationFailedError struct {
	Stderr string
	cause  error
}

func (e *EnumerationFailedError) Error() string {
	return "device: enumeration failed: " + e.Stderr
}

func (e *EnumerationFailedError) Unwrap() error { return e.cause }

// Options configures role assignment and node filtering.
type Options struct {
	LeftKeywords   []string
	RightKeywords  []string
	IgnoreTokens   []string // friendly names containing any of these are dropped
	ProbeCaps      bool     // best-effort --list-formats-ext probe
	ListDevicesCmd []string // defaults to {"v4l2-ctl", "--list-devices"}
}

func defaultOptions(opt Options) Options {
	if len(opt.IgnoreTokens) == 0 {
		opt.IgnoreTokens = []string{"hdmi", "rk_hdmirx"}
	}
	if len(opt.ListDevicesCmd) == 0 {
		opt.ListDevicesCmd = []string{"v4l2-ctl", "--list-devices"}
	}
	return opt
}

// Discoverer enumerates cameras via v4l2-ctl.
type Discoverer struct {
	opt Options
	run func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// New returns a Discoverer configured with the given role/ignore keywords.
func New(opt Options) *Discoverer {
	return &Discoverer{
		opt: defaultOptions(opt),
		run: runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}

// Discover runs the platform enumeration tool and returns an ordered list
// of camera DeviceDescriptors. Zero cameras is a normal, non-error result.
func (d *Discoverer) Discover(ctx context.Context) ([]DeviceDescriptor, error) {
	name := d.opt.ListDevicesCmd[0]
	args := d.opt.ListDevicesCmd[1:]
	stdout, stderr, err := d.run(ctx, name, args...)
	if err != nil {
		log.WithError(err).Warn("device enumeration failed")
		return nil, errors.WithStack(&EnumerationFailedError{Stderr: strings.TrimSpace(stderr), cause: err})
	}

	groups := parseListDevices(stdout)
	descs := make([]DeviceDescriptor, 0, len(groups))
	for _, g := range groups {
		if containsIgnored(g.name, d.opt.IgnoreTokens) {
			continue
		}
		if len(g.nodes) == 0 {
			continue
		}
		desc := DeviceDescriptor{
			Name:           g.name,
			Description:    g.name,
			DeviceNodePath: g.nodes[0], // "keeps the first /dev/videoN path per logical device"
		}
		if d.opt.ProbeCaps {
			desc.Capabilities = probeCapabilities(ctx, d.run, desc.DeviceNodePath)
		}
		descs = append(descs, desc)
	}

	assignRoles(descs, d.opt.LeftKeywords, d.opt.RightKeywords)
	log.WithField("count", len(descs)).Debug("device enumeration complete")
	return descs, nil
}

func containsIgnored(name string, tokens []string) bool {
	lower := strings.ToLower(name)
	return lo.ContainsBy(tokens, func(tok string) bool {
		return strings.Contains(lower, strings.ToLower(tok))
	})
}

type deviceGroup struct {
	name  string
	nodes []string
}

// parseListDevices parses `v4l2-ctl --list-devices` output:
//
//	Friendly Name (usb-0000:01:00.0-1):
//		/dev/video0
//		/dev/video1
func parseListDevices(out string) []deviceGroup {
	var groups []deviceGroup
	sc := bufio.NewScanner(strings.NewReader(out))
	var cur *deviceGroup
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, " ") {
			name := strings.TrimSpace(line)
			if idx := strings.LastIndex(name, " ("); idx >= 0 {
				name = name[:idx]
			}
			groups = append(groups, deviceGroup{name: name})
			cur = &groups[len(groups)-1]
			continue
		}
		if cur == nil {
			continue
		}
		node := strings.TrimSpace(line)
		if strings.HasPrefix(node, "/dev/video") {
			cur.nodes = append(cur.nodes, node)
		}
	}
	return groups
}

// probeCapabilities best-effort queries supported formats/resolutions via
// `v4l2-ctl -d <node> --list-formats-ext`. Failure is swallowed: this is a
// supplement to discovery, never a requirement of it.
func probeCapabilities(ctx context.Context, run func(context.Context, string, ...string) (string, string, error), node string) *Capabilities {
	stdout, _, err := run(ctx, "v4l2-ctl", "-d", node, "--list-formats-ext")
	if err != nil {
		return nil
	}
	caps := &Capabilities{}
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "'") {
			if end := strings.Index(line[1:], "'"); end >= 0 {
				caps.SupportedFormats = append(caps.SupportedFormats, line[1:1+end])
			}
		}
		if strings.HasPrefix(line, "Size:") {
			w, h, ok := parseSize(line)
			if ok {
				if w > caps.MaxWidth {
					caps.MaxWidth = w
				}
				if h > caps.MaxHeight {
					caps.MaxHeight = h
				}
			}
		}
	}
	if len(caps.SupportedFormats) == 0 && caps.MaxWidth == 0 {
		return nil
	}
	return caps
}

func parseSize(line string) (w, h int, ok bool) {
	idx := strings.LastIndex(line, " ")
	if idx < 0 {
		return 0, 0, false
	}
	dims := line[idx+1:]
	parts := strings.SplitN(dims, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w = atoiSafe(parts[0])
	h = atoiSafe(parts[1])
	return w, h, w > 0 && h > 0
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// assignRoles matches {left_keywords}/{right_keywords} against each
// device's friendly name; if neither matches and there are exactly two
// cameras, assigns by enumeration order (§4.1).
func assignRoles(descs []DeviceDescriptor, leftKw, rightKw []string) {
	matched := make([]bool, len(descs))
	for i := range descs {
		lower := strings.ToLower(descs[i].Name)
		switch {
		case containsAny(lower, leftKw):
			descs[i].RoleHint = RoleLeft
			matched[i] = true
		case containsAny(lower, rightKw):
			descs[i].RoleHint = RoleRight
			matched[i] = true
		}
	}

	unmatched := 0
	for _, m := range matched {
		if !m {
			unmatched++
		}
	}
	if unmatched == len(descs) && len(descs) == 2 {
		descs[0].RoleHint = RoleLeft
		descs[1].RoleHint = RoleRight
		return
	}
	if len(descs) == 1 && !matched[0] {
		descs[0].RoleHint = RoleSingle
	}
}

func containsAny(lower string, keywords []string) bool {
	return lo.ContainsBy(keywords, func(kw string) bool {
		return kw != "" && strings.Contains(lower, strings.ToLower(kw))
	})
}

// WithTimeout is a convenience for callers of Discover that want the
// spec's "enumeration tool errors" path bounded in time.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
