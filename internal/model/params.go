// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"fmt"
)

// SpeakerDetectionMode selects how speakers are separated, if at all.
type SpeakerDetectionMode string

const (
	SpeakerNone       SpeakerDetectionMode = "none"
	SpeakerDiarize    SpeakerDetectionMode = "diarize"
	SpeakerPerChannel SpeakerDetectionMode = "per_channel"
)

// TimestampsGranularity selects the timestamp resolution of the transcript.
type TimestampsGranularity string

const (
	TimestampsNone    TimestampsGranularity = "none"
	TimestampsSegment TimestampsGranularity = "segment"
	TimestampsWord    TimestampsGranularity = "word"
)

// SpeakerDetection is the tagged speaker-separation variant. Exactly one of
// the optional fields is meaningful per mode.
type SpeakerDetection struct {
	Mode SpeakerDetectionMode `json:"mode"`

	// Diarize options.
	MinSpeakers      int  `json:"min_speakers,omitempty"`
	MaxSpeakers      int  `json:"max_speakers,omitempty"`
	ExclusiveSpeaker bool `json:"exclusive,omitempty"`

	// PerChannel options.
	NumChannels int `json:"num_channels,omitempty"`
}

// JobParameters is the validated, typed view of a job's open parameter map.
type JobParameters struct {
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`

	SpeakerDetection SpeakerDetection      `json:"speaker_detection"`
	Timestamps       TimestampsGranularity `json:"timestamps_granularity"`

	PIIDetection     bool   `json:"pii_detection,omitempty"`
	RedactPIIAudio   bool   `json:"redact_pii_audio,omitempty"`
	PIIRedactionMode string `json:"pii_redaction_mode,omitempty"` // e.g. "beep", "silence"

	Extra map[string]any `json:"extra,omitempty"` // unrecognized keys, passed through to engines
}

// DefaultJobParameters returns the parameter set applied when the caller
// sends none: default pipeline, word timestamps, no speaker detection.
func DefaultJobParameters() JobParameters {
	return JobParameters{
		SpeakerDetection: SpeakerDetection{Mode: SpeakerNone},
		Timestamps:       TimestampsWord,
	}
}

// Validate rejects malformed parameter combinations. These are caller errors
// and map to HTTP 400 at the API layer.
func (p *JobParameters) Validate() error {
	switch p.Timestamps {
	case TimestampsNone, TimestampsSegment, TimestampsWord:
	case "":
		p.Timestamps = TimestampsWord
	default:
		return fmt.Errorf("%w: unknown timestamps_granularity %q", ErrInvalid, p.Timestamps)
	}

	sd := &p.SpeakerDetection
	switch sd.Mode {
	case SpeakerNone, "":
		sd.Mode = SpeakerNone
	case SpeakerDiarize:
		if sd.MinSpeakers < 0 || sd.MaxSpeakers < 0 {
			return fmt.Errorf("%w: speaker counts must be >= 0", ErrInvalid)
		}
		if sd.MinSpeakers > 0 && sd.MaxSpeakers > 0 && sd.MinSpeakers > sd.MaxSpeakers {
			return fmt.Errorf("%w: min_speakers %d > max_speakers %d", ErrInvalid, sd.MinSpeakers, sd.MaxSpeakers)
		}
	case SpeakerPerChannel:
		if sd.NumChannels < 1 {
			return fmt.Errorf("%w: num_channels must be >= 1, got %d", ErrInvalid, sd.NumChannels)
		}
	default:
		return fmt.Errorf("%w: unknown speaker_detection mode %q", ErrInvalid, sd.Mode)
	}

	if p.RedactPIIAudio && !p.PIIDetection {
		return fmt.Errorf("%w: redact_pii_audio requires pii_detection", ErrInvalid)
	}
	return nil
}

// MarshalJSON keeps the parameter map round-trippable for storage.
func (p JobParameters) MarshalJSON() ([]byte, error) {
	type alias JobParameters
	return json.Marshal(alias(p))
}

// UnmarshalJSON accepts both the typed shape and legacy flat maps.
func (p *JobParameters) UnmarshalJSON(data []byte) error {
	type alias JobParameters
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = JobParameters(a)
	return nil
}
