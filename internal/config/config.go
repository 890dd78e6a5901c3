package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8000
	DefaultMaxFileSize    = int64(100) << 30
	DefaultChunkSize      = 1 << 20
	DefaultMaxHeaderLine  = 8 << 10
	DefaultIdleTimeout    = 30 * time.Second
	DefaultMaxConnections = 256
	DefaultLogLevel       = "INFO"
)

var validate = validator.New()

// File is the persisted JSON record. Keys not listed here are kept verbatim
// when the file is rewritten.
type File struct {
	// SharedDir is the share root: uploads land here, downloads and the file
	// listing read from here.
	SharedDir string `json:"shared_dir" validate:"required"`

	// ThumbnailDir holds <name>.jpg previews.
	// Default: "thumbnails" next to the config file.
	ThumbnailDir string `json:"thumbnail_dir,omitempty"`

	Host string `json:"host" validate:"required,hostname|ip"`
	Port int    `json:"port" validate:"min=1,max=65535"`

	MaxFileSizeBytes   int64 `json:"max_file_size_bytes" validate:"min=1"`
	ChunkSizeBytes     int   `json:"chunk_size_bytes" validate:"min=4096,max=67108864"`
	MaxHeaderLineBytes int   `json:"max_header_line_bytes" validate:"min=256,max=1048576"`

	// IdleReadTimeout aborts an upload whose body stalls for this long.
	// Zero disables the deadline.
	IdleReadTimeout Duration `json:"idle_read_timeout" validate:"gte=0"`

	// MaxConnections caps concurrently accepted connections.
	MaxConnections int `json:"max_connections" validate:"min=1,max=65536"`

	LogLevel string `json:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
}

// Overrides are optional values layered over the file, from the environment
// (env tags) or from command-line flags.
type Overrides struct {
	SharedDir          *string        `env:"LANSHARE_SHARED_DIR"`
	ThumbnailDir       *string        `env:"LANSHARE_THUMBNAIL_DIR"`
	Host               *string        `env:"LANSHARE_HOST"`
	Port               *int           `env:"LANSHARE_PORT"`
	MaxFileSizeBytes   *int64         `env:"LANSHARE_MAX_FILE_SIZE_BYTES"`
	ChunkSizeBytes     *int           `env:"LANSHARE_CHUNK_SIZE_BYTES"`
	MaxHeaderLineBytes *int           `env:"LANSHARE_MAX_HEADER_LINE_BYTES"`
	IdleReadTimeout    *time.Duration `env:"LANSHARE_IDLE_READ_TIMEOUT"`
	MaxConnections     *int           `env:"LANSHARE_MAX_CONNECTIONS"`
	LogLevel           *string        `env:"LOG_LEVEL"`
}

// Settings is the live configuration shared by the server and the upload
// path. Folder and port changes go through SetSharedDir and SetPort.
type Settings struct {
	mu    sync.RWMutex
	path  string
	file  File
	extra map[string]json.RawMessage
}

// DefaultPath returns <user config dir>/lanshare/config.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "lanshare", "config.json"), nil
}

// Defaults returns the record used when no config file exists yet.
func Defaults() File {
	shared := "LanShare"
	if home, err := os.UserHomeDir(); err == nil {
		shared = filepath.Join(home, "LanShare")
	}
	return File{
		SharedDir:          shared,
		Host:               DefaultHost,
		Port:               DefaultPort,
		MaxFileSizeBytes:   DefaultMaxFileSize,
		ChunkSizeBytes:     DefaultChunkSize,
		MaxHeaderLineBytes: DefaultMaxHeaderLine,
		IdleReadTimeout:    Duration(DefaultIdleTimeout),
		MaxConnections:     DefaultMaxConnections,
		LogLevel:           DefaultLogLevel,
	}
}

// Load reads the config file at path over the defaults. A missing file is
// created with the defaults.
func Load(path string) (*Settings, error) {
	s := &Settings{path: path, file: Defaults(), extra: map[string]json.RawMessage{}}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, s.Save()
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &s.file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	known, err := fieldNames(s.file)
	if err != nil {
		return nil, err
	}
	for k, v := range raw {
		if !known[k] {
			s.extra[k] = v
		}
	}
	return s, nil
}

// ApplyEnv layers LANSHARE_* variables (and LOG_LEVEL) from es.
func (s *Settings) ApplyEnv(es env.EnvSet) error {
	var o Overrides
	if err := env.Unmarshal(es, &o); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	s.Apply(o)
	return nil
}

// Apply layers the non-nil overrides.
func (s *Settings) Apply(o Overrides) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &s.file
	setIf(&f.SharedDir, o.SharedDir)
	setIf(&f.ThumbnailDir, o.ThumbnailDir)
	setIf(&f.Host, o.Host)
	setIf(&f.Port, o.Port)
	setIf(&f.MaxFileSizeBytes, o.MaxFileSizeBytes)
	setIf(&f.ChunkSizeBytes, o.ChunkSizeBytes)
	setIf(&f.MaxHeaderLineBytes, o.MaxHeaderLineBytes)
	setIf(&f.MaxConnections, o.MaxConnections)
	setIf(&f.LogLevel, o.LogLevel)
	if o.IdleReadTimeout != nil {
		f.IdleReadTimeout = Duration(*o.IdleReadTimeout)
	}
	f.LogLevel = strings.ToUpper(f.LogLevel)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks the current values.
func (s *Settings) Validate() error {
	f := s.Snapshot()
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !filepath.IsAbs(f.SharedDir) {
		return fmt.Errorf("invalid config: shared_dir must be absolute: %q", f.SharedDir)
	}
	return nil
}

// Save writes the record back, keeping unknown keys.
func (s *Settings) Save() error {
	s.mu.RLock()
	payload := make(map[string]any, len(s.extra)+10)
	for k, v := range s.extra {
		payload[k] = v
	}
	b, err := json.Marshal(s.file)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	for k, v := range fields {
		payload[k] = v
	}

	out, err := json.MarshalIndent(payload, "", "    ")
	if err != nil {
		return err
	}
	out = append(out, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(s.path), ".config-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(out)
	if err == nil {
		err = f.Chmod(0o644)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, s.path)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}

func (s *Settings) Path() string { return s.path }

// Snapshot returns a copy of the current values.
func (s *Settings) Snapshot() File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file
}

func (s *Settings) SharedDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filepath.Clean(s.file.SharedDir)
}

// SetSharedDir switches the share root. dir must be absolute and either
// missing (it is created) or a directory.
func (s *Settings) SetSharedDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" || !filepath.IsAbs(dir) {
		return errors.New("shared folder must be an absolute path")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shared folder: %w", err)
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return errors.New("shared folder is not a directory")
	}
	s.mu.Lock()
	s.file.SharedDir = dir
	s.mu.Unlock()
	return nil
}

func (s *Settings) ThumbnailDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file.ThumbnailDir != "" {
		return filepath.Clean(s.file.ThumbnailDir)
	}
	return filepath.Join(filepath.Dir(s.path), "thumbnails")
}

func (s *Settings) Host() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Host
}

func (s *Settings) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Port
}

func (s *Settings) SetPort(port int) {
	s.mu.Lock()
	s.file.Port = port
	s.mu.Unlock()
}

func (s *Settings) MaxFileSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.MaxFileSizeBytes
}

func (s *Settings) SetMaxFileSize(n int64) {
	s.mu.Lock()
	s.file.MaxFileSizeBytes = n
	s.mu.Unlock()
}

func (s *Settings) ChunkSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.ChunkSizeBytes
}

func (s *Settings) SetChunkSize(n int) {
	s.mu.Lock()
	s.file.ChunkSizeBytes = n
	s.mu.Unlock()
}

func (s *Settings) MaxHeaderLine() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.MaxHeaderLineBytes
}

func (s *Settings) IdleReadTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.file.IdleReadTimeout)
}

func (s *Settings) MaxConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.MaxConnections
}

func (s *Settings) LogLevel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.LogLevel
}

func fieldNames(f File) (map[string]bool, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(m)+1)
	for k := range m {
		known[k] = true
	}
	// omitempty keys are absent from the marshalled form
	known["thumbnail_dir"] = true
	return known, nil
}

// Duration is a time.Duration stored as a string like "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		p, err := time.ParseDuration(t)
		if err != nil {
			return err
		}
		*d = Duration(p)
	case float64:
		// bare numbers are seconds
		*d = Duration(time.Duration(t * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}
