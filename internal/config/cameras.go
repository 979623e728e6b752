package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sua-org/nvr-supervisor/internal/core"
)

var (
	ErrInvalidCamera = errors.New("invalid camera configuration")
	ErrNoCameras     = errors.New("no cameras configured")
)

// Defaults aplicados quando o campo não vem no arquivo.
const (
	DefaultMotionTimeout  = 1.5
	DefaultPreRecord      = 5.0
	DefaultPostRecord     = 5.0
	DefaultFPS            = 15
	DefaultWidth          = 1920
	DefaultHeight         = 1080
	DefaultSegmentSeconds = 300
	DefaultName           = "Unknown Camera"
)

type camerasFile struct {
	Cameras map[string]cameraEntry `yaml:"cameras"`
}

// cameraEntry é o formato do arquivo. Ponteiros distinguem campo ausente de
// zero. Tempos em segundos.
type cameraEntry struct {
	Name           *string  `yaml:"name"`
	URL            *string  `yaml:"url"`
	SubURL         *string  `yaml:"sub_url"`
	Threshold      *float64 `yaml:"threshold"`
	Area           *float64 `yaml:"area"`
	MotionTimeout  *float64 `yaml:"motion_timeout"`
	PreRecord      *float64 `yaml:"pre_record_time"`
	PostRecord     *float64 `yaml:"post_record_time"`
	FPS            *float64 `yaml:"fps"`
	Width          *int     `yaml:"width"`
	Height         *int     `yaml:"height"`
	Enabled        *bool    `yaml:"enabled"`
	SegmentSeconds *int     `yaml:"segment_seconds"`
	Dir            string   `yaml:"dir"`
	ExtraArgs      []string `yaml:"extra_args"`
}

// LoadCameras lê e valida o arquivo de câmeras. JSON também é aceito, por
// ser subconjunto de YAML.
func LoadCameras(path string) (map[string]core.CameraSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseCameras(raw)
}

func ParseCameras(raw []byte) (map[string]core.CameraSpec, error) {
	var f camerasFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCamera, err)
	}
	if len(f.Cameras) == 0 {
		return nil, ErrNoCameras
	}

	ids := make([]string, 0, len(f.Cameras))
	for id := range f.Cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]core.CameraSpec, len(ids))
	var errs []error
	for _, id := range ids {
		spec, err := validateCamera(id, f.Cameras[id])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := out[spec.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate camera id %q", ErrInvalidCamera, spec.ID))
			continue
		}
		out[spec.ID] = spec
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func validateCamera(id string, e cameraEntry) (core.CameraSpec, error) {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	id = strings.TrimSpace(id)
	if id == "" {
		fail("empty camera id")
	}

	if e.URL == nil {
		fail("missing required field 'url'")
	}
	if e.Threshold == nil {
		fail("missing required field 'threshold'")
	} else if *e.Threshold < 0 || *e.Threshold > 255 {
		fail("'threshold' must be between 0 and 255")
	}
	if e.Area == nil {
		fail("missing required field 'area'")
	} else if *e.Area <= 0 {
		fail("'area' must be greater than 0")
	}

	spec := core.CameraSpec{
		ID:      id,
		Name:    strOr(e.Name, DefaultName),
		Enabled: e.Enabled == nil || *e.Enabled,
	}
	if e.URL != nil {
		spec.URL = strings.TrimSpace(*e.URL)
	}
	spec.SubURL = spec.URL
	if e.SubURL != nil && strings.TrimSpace(*e.SubURL) != "" {
		spec.SubURL = strings.TrimSpace(*e.SubURL)
	}
	if e.Threshold != nil {
		spec.Motion.Threshold = int(*e.Threshold)
	}
	if e.Area != nil {
		spec.Motion.Area = int(*e.Area)
	}

	timeout := floatOr(e.MotionTimeout, DefaultMotionTimeout)
	if timeout <= 0 {
		fail("'motion_timeout' must be greater than 0")
	}
	pre := floatOr(e.PreRecord, DefaultPreRecord)
	if pre < 0 {
		fail("'pre_record_time' must be non-negative")
	}
	post := floatOr(e.PostRecord, DefaultPostRecord)
	if post < 0 {
		fail("'post_record_time' must be non-negative")
	}
	fps := floatOr(e.FPS, DefaultFPS)
	if fps < 1 || fps > 60 {
		fail("'fps' must be between 1 and 60")
	}
	width := intOr(e.Width, DefaultWidth)
	if width < 160 || width > 4096 {
		fail("'width' must be between 160 and 4096")
	}
	height := intOr(e.Height, DefaultHeight)
	if height < 120 || height > 2160 {
		fail("'height' must be between 120 and 2160")
	}
	segment := intOr(e.SegmentSeconds, DefaultSegmentSeconds)
	if segment <= 0 {
		fail("'segment_seconds' must be greater than 0")
	}

	for field, u := range map[string]string{"url": spec.URL, "sub_url": spec.SubURL} {
		if e.URL == nil && field == "url" {
			continue
		}
		if u == "" {
			fail("'%s' cannot be empty", field)
			continue
		}
		if !validScheme(u) {
			fail("'%s' must start with rtsp://, http://, or https://", field)
		}
	}

	spec.Motion.Timeout = seconds(timeout)
	spec.Recording = core.RecordingSpec{
		PreRoll:        seconds(pre),
		PostRoll:       seconds(post),
		FPS:            int(fps),
		Width:          width,
		Height:         height,
		SegmentSeconds: segment,
		Dir:            e.Dir,
		ExtraArgs:      e.ExtraArgs,
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return core.CameraSpec{}, fmt.Errorf("%w: camera %q: %s", ErrInvalidCamera, id, strings.Join(problems, "; "))
	}
	return spec, nil
}

// Enabled filtra as câmeras habilitadas.
func Enabled(specs map[string]core.CameraSpec) map[string]core.CameraSpec {
	out := make(map[string]core.CameraSpec, len(specs))
	for id, s := range specs {
		if s.Enabled {
			out[id] = s
		}
	}
	return out
}

func validScheme(u string) bool {
	return strings.HasPrefix(u, "rtsp://") || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func strOr(p *string, def string) string {
	if p == nil || strings.TrimSpace(*p) == "" {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// ParseCamera valida uma câmera avulsa (mesmo formato de uma entrada do
// arquivo), usada no add-worker pela API.
func ParseCamera(id string, raw []byte) (core.CameraSpec, error) {
	var e cameraEntry
	if err := yaml.Unmarshal(raw, &e); err != nil {
		return core.CameraSpec{}, fmt.Errorf("%w: %v", ErrInvalidCamera, err)
	}
	return validateCamera(id, e)
}
