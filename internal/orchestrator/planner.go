// SPDX-License-Identifier: MIT

package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dalstonhq/dalston/internal/model"
)

// TaskSpec is one planned stage before materialization. Dependencies name
// other stages within the same plan.
type TaskSpec struct {
	Stage        string
	Dependencies []string
	Config       map[string]any
	Required     bool
}

// Plan is the pure DAG builder: parameters in, stage list out in topological
// order. Adding a pipeline stage means extending this function and deploying
// an engine that consumes the new stream; nothing else changes.
func Plan(p model.JobParameters) []TaskSpec {
	perChannel := p.SpeakerDetection.Mode == model.SpeakerPerChannel
	diarize := p.SpeakerDetection.Mode == model.SpeakerDiarize
	alignEnabled := p.Timestamps != model.TimestampsSegment

	var specs []TaskSpec
	add := func(stage string, deps []string, cfg map[string]any) {
		specs = append(specs, TaskSpec{
			Stage:        stage,
			Dependencies: deps,
			Config:       cfg,
			Required:     true,
		})
	}

	prepCfg := map[string]any{}
	if perChannel {
		prepCfg["split_channels"] = true
		prepCfg["channel_count"] = p.SpeakerDetection.NumChannels
	}
	add("prepare", nil, prepCfg)

	transcribeCfg := func(extra map[string]any) map[string]any {
		cfg := map[string]any{}
		if p.Language != "" {
			cfg["language"] = p.Language
		}
		if p.Model != "" {
			cfg["model"] = p.Model
		}
		cfg["timestamps_granularity"] = string(p.Timestamps)
		for k, v := range extra {
			cfg[k] = v
		}
		return cfg
	}

	// producers are the stages whose output is the last transcript per
	// channel; the PII stage joins after them.
	var producers []string
	if perChannel {
		for i := 0; i < p.SpeakerDetection.NumChannels; i++ {
			transcribe := fmt.Sprintf("transcribe_ch%d", i)
			add(transcribe, []string{"prepare"}, transcribeCfg(map[string]any{"channel": i}))
			last := transcribe
			if alignEnabled {
				align := fmt.Sprintf("align_ch%d", i)
				add(align, []string{transcribe}, map[string]any{"channel": i})
				last = align
			}
			producers = append(producers, last)
		}
	} else {
		add("transcribe", []string{"prepare"}, transcribeCfg(nil))
		last := "transcribe"
		if alignEnabled {
			add("align", []string{"transcribe"}, nil)
			last = "align"
		}
		producers = []string{last}
	}

	if diarize {
		cfg := map[string]any{}
		if p.SpeakerDetection.MinSpeakers > 0 {
			cfg["min_speakers"] = p.SpeakerDetection.MinSpeakers
		}
		if p.SpeakerDetection.MaxSpeakers > 0 {
			cfg["max_speakers"] = p.SpeakerDetection.MaxSpeakers
		}
		if p.SpeakerDetection.ExclusiveSpeaker {
			cfg["exclusive"] = true
		}
		add("diarize", []string{"prepare"}, cfg)
	}

	if p.PIIDetection {
		deps := append([]string(nil), producers...)
		if diarize {
			deps = append(deps, "diarize")
		}
		add("pii_detect", deps, map[string]any{
			"redact_audio": p.RedactPIIAudio,
		})
		if p.RedactPIIAudio {
			add("audio_redact", []string{"pii_detect"}, map[string]any{
				"mode": p.PIIRedactionMode,
			})
		}
	}

	mergeCfg := map[string]any{
		"speaker_detection":      string(p.SpeakerDetection.Mode),
		"timestamps_granularity": string(p.Timestamps),
		"pii_detection":          p.PIIDetection,
	}
	if perChannel {
		mergeCfg["channel_count"] = p.SpeakerDetection.NumChannels
	}
	mergeDeps := make([]string, 0, len(specs))
	for _, s := range specs {
		mergeDeps = append(mergeDeps, s.Stage)
	}
	add("merge", mergeDeps, mergeCfg)

	return specs
}

// Materialize turns a plan into persistable tasks, resolving stage-name
// dependencies to freshly minted task ids.
func Materialize(jobID string, specs []TaskSpec, maxRetries int) []*model.Task {
	now := time.Now()
	idByStage := make(map[string]string, len(specs))
	for _, s := range specs {
		idByStage[s.Stage] = uuid.NewString()
	}

	tasks := make([]*model.Task, 0, len(specs))
	for _, s := range specs {
		deps := make([]string, 0, len(s.Dependencies))
		for _, d := range s.Dependencies {
			deps = append(deps, idByStage[d])
		}
		cfg := s.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		tasks = append(tasks, &model.Task{
			ID:           idByStage[s.Stage],
			JobID:        jobID,
			Stage:        s.Stage,
			EngineID:     s.Stage,
			Status:       model.TaskPending,
			Dependencies: deps,
			Config:       cfg,
			MaxRetries:   maxRetries,
			Required:     s.Required,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return tasks
}
