// Package capturefilter implements the recording on/off switch and the
// https-capture domain include/exclude policy that decides MITM vs. opaque
// tunneling for a given authority.
//
// The O(1)-read/hot-reload-on-file-change shape: a fast map/bool check on
// every request, persisted to YAML, reloadable without a restart.
package capturefilter

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RecordingStatus mirrors app_config's capture_switch.recordingStatus.
type RecordingStatus string

const (
	StartRecording RecordingStatus = "StartRecording"
	PauseRecording RecordingStatus = "PauseRecording"
)

// fileFormat is the YAML envelope persisted to disk.
type fileFormat struct {
	RecordingStatus RecordingStatus `yaml:"recording_status"`
	IncludeDomains  []string        `yaml:"include_domains"`
	ExcludeDomains  []string        `yaml:"exclude_domains"`
	Enabled         bool            `yaml:"enabled"`
}

// Filter holds the recording switch and the https capture domain filter.
// IsRecording is read once per request; ShouldMITM is read once per
// CONNECT.
type Filter struct {
	mu sync.RWMutex

	path string

	recording RecordingStatus
	include   map[string]bool
	exclude   map[string]bool
	enabled   bool
}

// Load reads path, defaulting to StartRecording with MITM enabled and no
// domain filters if the file doesn't exist.
func Load(path string) (*Filter, error) {
	f := &Filter{path: path, recording: StartRecording, enabled: true}
	if err := f.reloadLocked(); err != nil {
		return nil, err
	}
	return f, nil
}

// IsRecording reports whether CaptureStart/ResponseBody capture should run
// for the current request.
func (f *Filter) IsRecording() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.recording == StartRecording
}

// ShouldMITM reports whether host should be TLS-intercepted rather than
// opaquely tunneled. When the filter is disabled, every host is MITM'd
// (matches an "all traffic inspected unless explicitly excluded" default
// posture). Exclude wins over include when both match.
func (f *Filter) ShouldMITM(host string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.enabled {
		return true
	}
	host = strings.ToLower(host)
	if f.exclude[host] {
		return false
	}
	if len(f.include) == 0 {
		return true
	}
	return f.include[host]
}

// SetRecording flips the recording switch and persists it.
func (f *Filter) SetRecording(status RecordingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording = status
	return f.saveLocked()
}

// Reload re-reads the backing file; called by the fsnotify watcher when it
// changes on disk.
func (f *Filter) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reloadLocked(); err != nil {
		return err
	}
	slog.Info("capture filter reloaded", "recording", f.recording, "mitm_enabled", f.enabled)
	return nil
}

func (f *Filter) reloadLocked() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.include = map[string]bool{}
			f.exclude = map[string]bool{}
			return nil
		}
		return fmt.Errorf("reading capture filter %s: %w", f.path, err)
	}
	if len(data) == 0 {
		f.include = map[string]bool{}
		f.exclude = map[string]bool{}
		return nil
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("parsing capture filter %s: %w", f.path, err)
	}

	if ff.RecordingStatus == "" {
		ff.RecordingStatus = StartRecording
	}
	f.recording = ff.RecordingStatus
	f.enabled = ff.Enabled
	f.include = toSet(ff.IncludeDomains)
	f.exclude = toSet(ff.ExcludeDomains)
	return nil
}

func (f *Filter) saveLocked() error {
	ff := fileFormat{
		RecordingStatus: f.recording,
		IncludeDomains:  fromSet(f.include),
		ExcludeDomains:  fromSet(f.exclude),
		Enabled:         f.enabled,
	}
	data, err := yaml.Marshal(&ff)
	if err != nil {
		return fmt.Errorf("marshaling capture filter: %w", err)
	}
	return os.WriteFile(f.path, data, 0o644)
}

func toSet(domains []string) map[string]bool {
	m := make(map[string]bool, len(domains))
	for _, d := range domains {
		m[strings.ToLower(d)] = true
	}
	return m
}

func fromSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	return out
}
