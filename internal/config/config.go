// Package config manages persistent user preferences, stored as JSON at
// os.UserConfigDir()/hyperzoom/config.json, plus the CLI flag overlay
// that takes priority over the file on each run (spec.md §6's recognized
// options).
//
// Grounded on rustyguts-bken's client/internal/config package: the same
// Default/Load/Save shape, Load never returning an error (a missing or
// corrupt file silently yields defaults), and Save creating the config
// directory on demand.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds every persistent preference spec.md §6 recognizes.
type Config struct {
	BindPort         int    `json:"bind_port"`
	DisplayName      string `json:"display_name"`
	AudioInputDevice int    `json:"audio_input_device"`
	AudioOutputDevice int   `json:"audio_output_device"`
	CameraDevice     int    `json:"camera_device"`
	RecordingRoot    string `json:"recording_root"`
}

// Default returns a Config populated with sensible defaults: an ephemeral
// bind port, system default audio/camera devices, and the standard
// recording root (spec.md §6's filesystem layout lives under it).
func Default() Config {
	return Config{
		BindPort:          0,
		DisplayName:       "",
		AudioInputDevice:  -1,
		AudioOutputDevice: -1,
		CameraDevice:      -1,
		RecordingRoot:     defaultRecordingRoot(),
	}
}

func defaultRecordingRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "HyperZoom/recordings"
	}
	return filepath.Join(home, "HyperZoom", "recordings")
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "hyperzoom", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Flags overlays flag.FlagSet values onto a loaded Config. Each field is
// only overridden when the corresponding flag was explicitly set on the
// command line — cmd/hyperzoom registers these against its flag.FlagSet
// before parsing, then calls Overlay after.
type Flags struct {
	BindPort          int
	DisplayName       string
	AudioInputDevice  int
	AudioOutputDevice int
	CameraDevice      int
	RecordingRoot     string

	bindPortSet          bool
	displayNameSet       bool
	audioInputDeviceSet  bool
	audioOutputDeviceSet bool
	cameraDeviceSet      bool
	recordingRootSet     bool
}

// MarkBindPortSet, MarkDisplayNameSet, etc. record that the corresponding
// flag was present on the command line, so Overlay knows to apply it.
// cmd/hyperzoom calls these from a flag.Visit callback after Parse.
func (f *Flags) MarkBindPortSet()          { f.bindPortSet = true }
func (f *Flags) MarkDisplayNameSet()       { f.displayNameSet = true }
func (f *Flags) MarkAudioInputDeviceSet()  { f.audioInputDeviceSet = true }
func (f *Flags) MarkAudioOutputDeviceSet() { f.audioOutputDeviceSet = true }
func (f *Flags) MarkCameraDeviceSet()      { f.cameraDeviceSet = true }
func (f *Flags) MarkRecordingRootSet()     { f.recordingRootSet = true }

// Overlay returns cfg with every explicitly-set flag applied on top.
func (f Flags) Overlay(cfg Config) Config {
	if f.bindPortSet {
		cfg.BindPort = f.BindPort
	}
	if f.displayNameSet {
		cfg.DisplayName = f.DisplayName
	}
	if f.audioInputDeviceSet {
		cfg.AudioInputDevice = f.AudioInputDevice
	}
	if f.audioOutputDeviceSet {
		cfg.AudioOutputDevice = f.AudioOutputDevice
	}
	if f.cameraDeviceSet {
		cfg.CameraDevice = f.CameraDevice
	}
	if f.recordingRootSet {
		cfg.RecordingRoot = f.RecordingRoot
	}
	return cfg
}
