// Package config assembles the run configuration from defaults, an optional
// JSON file, VIDTRACK_* environment variables (including a .env file) and
// command-line flags, in increasing order of precedence.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"

	"vidtrack/detection"
	"vidtrack/overlay"
	"vidtrack/tracking"
)

// ErrInvalid is returned for unparseable or out of range settings.
var ErrInvalid = errors.New("invalid configuration")

const envPrefix = "VIDTRACK_"

// Duration is a time.Duration that reads "15s" style strings from JSON.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"15s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Config is everything a run needs.
type Config struct {
	Input  string `json:"input"`
	Model  string `json:"model"`
	Names  string `json:"names"`
	Device string `json:"device"`

	detection.Options

	ShowVideo   bool   `json:"show_video"`
	SaveVideo   bool   `json:"save_video"`
	OutputPath  string `json:"output_path"`
	Codec       string `json:"codec"`
	Encoder     string `json:"encoder"`
	ExitKey     string `json:"exit_key"`
	ShowTrackID bool   `json:"show_track_id"`

	ClassColorPolicy map[string]string `json:"class_color_policy"`
	Tracker          tracking.Config   `json:"tracker"`

	JPEGPath  string `json:"jpg_path"`
	JPEGEvery int    `json:"jpg_every"`

	Prefetch      int      `json:"prefetch"`
	TrackDB       string   `json:"track_db"`
	ReportPath    string   `json:"report_path"`
	PreviewAddr   string   `json:"preview_addr"`
	Debug         bool     `json:"debug"`
	StatsInterval Duration `json:"stats_interval"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Model:      "runs/weights/best.onnx",
		Device:     "auto",
		Options:    detection.DefaultOptions(),
		ShowVideo:  true,
		OutputPath: "output_video.mp4",
		Codec:      "mp4v",
		Encoder:    "opencv",
		ExitKey:    "q",
		ClassColorPolicy: map[string]string{
			"0":       "#0000ff",
			"default": "#ffa500",
		},
		JPEGEvery:     1,
		Tracker:       tracking.DefaultConfig(),
		StatsInterval: Duration{15 * time.Second},
	}
}

// paths are the flags that locate the other layers.
type paths struct {
	config string
	env    string
}

func newFlagSet(c *Config, p *paths) *flag.FlagSet {
	set := flag.NewFlagSet("vidtrack", flag.ContinueOnError)
	set.StringVar(&p.config, "config", p.config, "JSON config file")
	set.StringVar(&p.env, "env", p.env, "dotenv file with VIDTRACK_* variables")

	set.StringVar(&c.Input, "input", c.Input, "Input video file, stream URL or camera index (required)\n\t\tExample: -input=data/videos/fire.mp4")
	set.StringVar(&c.Model, "model", c.Model, "ONNX model weights")
	set.StringVar(&c.Names, "names", c.Names, "Class names file, one per line")
	set.StringVar(&c.Device, "device", c.Device, "Inference device: auto, gpu or cpu")
	set.Float64Var(&c.ConfidenceThreshold, "conf", c.ConfidenceThreshold, "Minimum detection confidence (0.0-1.0)")
	set.Float64Var(&c.IoUThreshold, "iou", c.IoUThreshold, "NMS IoU threshold (0.0-1.0)")
	set.IntVar(&c.InferenceSize, "imgsz", c.InferenceSize, "Square inference size, multiple of 32")
	set.BoolVar(&c.ShowVideo, "show", c.ShowVideo, "Show annotated frames in a window")
	set.BoolVar(&c.SaveVideo, "save", c.SaveVideo, "Write annotated frames to -output")
	set.StringVar(&c.OutputPath, "output", c.OutputPath, "Output video path")
	set.StringVar(&c.Codec, "codec", c.Codec, "FourCC codec for the opencv encoder")
	set.StringVar(&c.Encoder, "encoder", c.Encoder, "Encoder backend: opencv or ffmpeg")
	set.StringVar(&c.ExitKey, "exit-key", c.ExitKey, "Key that stops playback")
	set.BoolVar(&c.ShowTrackID, "track-ids", c.ShowTrackID, "Prefix labels with the track ID")
	set.StringVar(&c.JPEGPath, "jpg-path", c.JPEGPath, "Directory for annotated JPEG frames, grouped by hour")
	set.IntVar(&c.JPEGEvery, "jpg-every", c.JPEGEvery, "Save every n-th frame when -jpg-path is set")
	set.IntVar(&c.Prefetch, "prefetch", c.Prefetch, "Frames decoded ahead of the pipeline (0 disables)")
	set.StringVar(&c.TrackDB, "track-db", c.TrackDB, "SQLite file recording every tracked observation")
	set.StringVar(&c.ReportPath, "report", c.ReportPath, "HTML run report path")
	set.StringVar(&c.PreviewAddr, "preview", c.PreviewAddr, "Listen address for the websocket preview\n\t\tExample: -preview=:8080")
	set.BoolVar(&c.Debug, "debug", c.Debug, "Enable verbose debug output")
	return set
}

// Load builds the configuration from args (without the program name).
// flag.ErrHelp is returned unwrapped when -h was given.
func Load(args []string) (*Config, error) {
	// First pass only finds -config and -env.
	p := paths{env: ".env"}
	scratch := Default()
	first := newFlagSet(&scratch, &p)
	first.SetOutput(io.Discard)
	if err := first.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			newFlagSet(&scratch, &paths{}).Usage()
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	cfg := Default()
	if p.config != "" {
		if err := loadFile(p.config, &cfg); err != nil {
			return nil, err
		}
	}

	env, err := readEnv(p.env)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(&cfg, env); err != nil {
		return nil, err
	}

	second := newFlagSet(&cfg, &p)
	if err := second.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if second.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", ErrInvalid, second.Args())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadFile overlays a JSON file on cfg. Keys absent from the file keep their
// current value. A class_color_policy in the file replaces the current table
// as a whole.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config file: %w", ErrInvalid, err)
	}
	policy := cfg.ClassColorPolicy
	cfg.ClassColorPolicy = nil
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		cfg.ClassColorPolicy = policy
		return fmt.Errorf("%w: parse %s: %w", ErrInvalid, path, err)
	}
	if cfg.ClassColorPolicy == nil {
		cfg.ClassColorPolicy = policy
	}
	return nil
}

// readEnv merges the dotenv file with the process environment, which wins.
// A missing dotenv file is not an error.
func readEnv(path string) (map[string]string, error) {
	env := make(map[string]string)
	if path != "" {
		fileEnv, err := godotenv.Read(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: read %s: %w", ErrInvalid, path, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, envPrefix) {
			env[k] = v
		}
	}
	return env, nil
}

func applyEnv(cfg *Config, env map[string]string) error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.ParseBool(v); return err }
	}
	integer := func(dst *int) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.Atoi(v); return err }
	}
	float := func(dst *float64) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.ParseFloat(v, 64); return err }
	}

	setters := []struct {
		key string
		set func(string) error
	}{
		{"INPUT", str(&cfg.Input)},
		{"MODEL", str(&cfg.Model)},
		{"NAMES", str(&cfg.Names)},
		{"DEVICE", str(&cfg.Device)},
		{"CONF", float(&cfg.ConfidenceThreshold)},
		{"IOU", float(&cfg.IoUThreshold)},
		{"IMGSZ", integer(&cfg.InferenceSize)},
		{"SHOW", boolean(&cfg.ShowVideo)},
		{"SAVE", boolean(&cfg.SaveVideo)},
		{"OUTPUT", str(&cfg.OutputPath)},
		{"CODEC", str(&cfg.Codec)},
		{"ENCODER", str(&cfg.Encoder)},
		{"EXIT_KEY", str(&cfg.ExitKey)},
		{"TRACK_IDS", boolean(&cfg.ShowTrackID)},
		{"JPG_PATH", str(&cfg.JPEGPath)},
		{"JPG_EVERY", integer(&cfg.JPEGEvery)},
		{"PREFETCH", integer(&cfg.Prefetch)},
		{"TRACK_DB", str(&cfg.TrackDB)},
		{"REPORT", str(&cfg.ReportPath)},
		{"PREVIEW", str(&cfg.PreviewAddr)},
		{"DEBUG", boolean(&cfg.Debug)},
		{"STATS_INTERVAL", func(v string) (err error) {
			cfg.StatsInterval.Duration, err = time.ParseDuration(v)
			return err
		}},
	}
	for _, s := range setters {
		v, ok := env[envPrefix+s.key]
		if !ok {
			continue
		}
		if err := s.set(v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %w", ErrInvalid, envPrefix, s.key, v, err)
		}
	}
	return nil
}

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.Input == "" {
		add("input is required")
	}
	if c.Model == "" {
		add("model is required")
	}
	switch c.Device {
	case "auto", "gpu", "cpu":
	default:
		add("device %q must be auto, gpu or cpu", c.Device)
	}
	if err := c.Options.Validate(); err != nil {
		problems = append(problems, err)
	}
	if err := c.TrackerConfig(30).Validate(); err != nil {
		problems = append(problems, fmt.Errorf("tracker: %w", err))
	}
	switch c.Encoder {
	case "opencv":
		if c.SaveVideo && len(c.Codec) != 4 {
			add("codec %q must be a four character code", c.Codec)
		}
	case "ffmpeg":
	default:
		add("encoder %q must be opencv or ffmpeg", c.Encoder)
	}
	if c.SaveVideo && c.OutputPath == "" {
		add("save_video needs output_path")
	}
	if c.ShowVideo {
		if r, size := utf8.DecodeRuneInString(c.ExitKey); c.ExitKey == "" || size != len(c.ExitKey) || r > 0xFF {
			add("exit_key %q must be a single character", c.ExitKey)
		}
	}
	if c.JPEGEvery < 1 {
		add("jpg_every must be at least 1, got %d", c.JPEGEvery)
	}
	if c.Prefetch < 0 {
		add("prefetch must not be negative, got %d", c.Prefetch)
	}
	if c.StatsInterval.Duration < 0 {
		add("stats_interval must not be negative, got %v", c.StatsInterval.Duration)
	}
	if _, err := c.ColorPolicy(); err != nil {
		problems = append(problems, err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
	}
	return nil
}

// ColorPolicy parses the class color table.
func (c *Config) ColorPolicy() (overlay.ColorPolicy, error) {
	return overlay.ParseColorPolicy(c.ClassColorPolicy)
}

// ModelConfig returns the detector settings.
func (c *Config) ModelConfig() detection.ModelConfig {
	return detection.ModelConfig{
		WeightsPath: c.Model,
		NamesPath:   c.Names,
		Device:      c.Device,
		Options:     c.Options,
	}
}

// TrackerConfig returns the tracker settings. A frame_rate of 0 means the
// source frame rate, falling back to 30.
func (c *Config) TrackerConfig(sourceFPS float64) tracking.Config {
	tc := c.Tracker
	if tc.FrameRate == 0 {
		tc.FrameRate = sourceFPS
		if tc.FrameRate <= 0 {
			tc.FrameRate = 30
		}
	}
	return tc
}
