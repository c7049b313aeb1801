// Package paramctl implements the Parameter Controller (C8): per-device
// V4L2 control get/set/range/reset. It shells out to v4l2-ctl for
// name-based control access, the same subprocess idiom the teacher uses
// with exec.Command("ffmpeg", ...) in dvr.go — duplicating v4l2-ctl's
// control name/value parsing over raw ioctls would be pure
// re-implementation for no spec benefit (see DESIGN.md).
package paramctl

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"smartscope/internal/logging"
)

var log = logging.For("paramctl")

// Property is the enum of common V4L2 controls exposed at this boundary
// (§4.8).
type Property int

const (
	PropertyBrightness Property = iota
	PropertyContrast
	PropertySaturation
	PropertyExposure
	PropertyWhiteBalance
	PropertyAutoExposure
	PropertyGain
	PropertyResolution // not a real V4L2 control; always rejected
)

// controlNames maps Property to the v4l2-ctl control name, per §4.8's
// boundary table.
var controlNames = map[Property]string{
	PropertyBrightness:   "brightness",
	PropertyContrast:     "contrast",
	PropertySaturation:   "saturation",
	PropertyExposure:     "exposure_time_absolute",
	PropertyWhiteBalance: "white_balance_temperature",
	PropertyAutoExposure: "auto_exposure",
	PropertyGain:         "gain",
}

// ConfigurationError covers out-of-range values, unsupported controls, and
// tool errors (§4.8).
type ConfigurationError struct {
	Detail string
	cause  error
}

func (e *ConfigurationError) Error() string { return "paramctl: " + e.Detail }
func (e *ConfigurationError) Unwrap() error { return e.cause }

func configErr(detail string, cause error) *ConfigurationError {
	return &ConfigurationError{Detail: detail, cause: cause}
}

// Range is a control's {min,max,step,default,current}.
type Range struct {
	Min, Max, Step, Default, Current int
}

// Controller manages one device node's controls.
type Controller struct {
	devicePath string
	run        func(ctx context.Context, args ...string) (string, error)

	rangesMu sync.Mutex
	ranges   map[Property]Range
}

// New constructs a Controller for the given V4L2 device node.
func New(devicePath string) *Controller {
	return &Controller{
		devicePath: devicePath,
		run:        runV4L2Ctl,
		ranges:     make(map[Property]Range),
	}
}

func runV4L2Ctl(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", args...)
	var out strings.Builder
	var errOut strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return "", errors.Wrap(err, strings.TrimSpace(errOut.String()))
	}
	return out.String(), nil
}

func controlName(p Property) (string, error) {
	name, ok := controlNames[p]
	if !ok {
		return "", configErr("unsupported control", nil)
	}
	return name, nil
}

// GetParameterRange returns {min,max,step,default,current}, querying
// v4l2-ctl --list-ctrls on first hit and caching thereafter (§4.8).
func (c *Controller) GetParameterRange(ctx context.Context, p Property) (Range, error) {
	if p == PropertyResolution {
		return Range{}, configErr("resolution is not a V4L2 control", nil)
	}

	c.rangesMu.Lock()
	if r, ok := c.ranges[p]; ok {
		c.rangesMu.Unlock()
		return r, nil
	}
	c.rangesMu.Unlock()

	name, err := controlName(p)
	if err != nil {
		return Range{}, err
	}

	out, err := c.run(ctx, "-d", c.devicePath, "--list-ctrls")
	if err != nil {
		return Range{}, configErr("failed to query control range", err)
	}
	r, ok := parseCtrlLine(out, name)
	if !ok {
		return Range{}, configErr("control not reported by device: "+name, nil)
	}

	c.rangesMu.Lock()
	c.ranges[p] = r
	c.rangesMu.Unlock()
	return r, nil
}

// parseCtrlLine parses v4l2-ctl --list-ctrls output for one control's line,
// e.g.:
//
//	brightness 0x00980900 (int) : min=-64 max=64 step=1 default=0 value=0
func parseCtrlLine(out, name string) (Range, bool) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != name {
			continue
		}
		r := Range{}
		for _, f := range fields {
			kv := strings.SplitN(f, "=", 2)
			if len(kv) != 2 {
				continue
			}
			v, err := strconv.Atoi(kv[1])
			if err != nil {
				continue
			}
			switch kv[0] {
			case "min":
				r.Min = v
			case "max":
				r.Max = v
			case "step":
				r.Step = v
			case "default":
				r.Default = v
			case "value":
				r.Current = v
			}
		}
		return r, true
	}
	return Range{}, false
}

// GetParameter reads the control's current value via v4l2-ctl --get-ctrl.
func (c *Controller) GetParameter(ctx context.Context, p Property) (int, error) {
	if p == PropertyResolution {
		return 0, configErr("resolution is not a V4L2 control", nil)
	}
	name, err := controlName(p)
	if err != nil {
		return 0, err
	}
	out, err := c.run(ctx, "-d", c.devicePath, "--get-ctrl="+name)
	if err != nil {
		return 0, configErr("get-ctrl failed for "+name, err)
	}
	parts := strings.SplitN(strings.TrimSpace(out), ":", 2)
	if len(parts) != 2 {
		return 0, configErr("unexpected get-ctrl output: "+out, nil)
	}
	v, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, configErr("non-numeric get-ctrl output: "+out, err)
	}
	return v, nil
}

// SetParameter validates value against the cached range, then issues
// v4l2-ctl --set-ctrl. On a transient failure, it retries once after a
// 20ms backoff — a capped single retry supplemented per SPEC_FULL.md,
// since these subprocess calls occasionally race with driver state during
// hot-plug settling.
func (c *Controller) SetParameter(ctx context.Context, p Property, value int) error {
	if p == PropertyResolution {
		return configErr("resolution is not a V4L2 control", nil)
	}
	name, err := controlName(p)
	if err != nil {
		return err
	}
	r, err := c.GetParameterRange(ctx, p)
	if err != nil {
		return err
	}
	if value < r.Min || value > r.Max {
		return configErr("value out of range for "+name, nil)
	}

	args := []string{"-d", c.devicePath, "--set-ctrl=" + name + "=" + strconv.Itoa(value)}
	_, err = c.run(ctx, args...)
	if err != nil {
		log.WithError(err).WithField("control", name).Warn("set-ctrl failed, retrying once")
		time.Sleep(20 * time.Millisecond)
		if _, err2 := c.run(ctx, args...); err2 != nil {
			return configErr("set-ctrl failed for "+name, err2)
		}
	}

	c.rangesMu.Lock()
	if cached, ok := c.ranges[p]; ok {
		cached.Current = value
		c.ranges[p] = cached
	}
	c.rangesMu.Unlock()
	return nil
}

// ResetToDefaults resets every known control to its cached default value.
func (c *Controller) ResetToDefaults(ctx context.Context) error {
	for p := range controlNames {
		r, err := c.GetParameterRange(ctx, p)
		if err != nil {
			return err
		}
		if err := c.SetParameter(ctx, p, r.Default); err != nil {
			return err
		}
	}
	return nil
}

// GetAllParameters returns the current value of every known control.
func (c *Controller) GetAllParameters(ctx context.Context) (map[Property]int, error) {
	out := make(map[Property]int, len(controlNames))
	for p := range controlNames {
		v, err := c.GetParameter(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p] = v
	}
	return out, nil
}
