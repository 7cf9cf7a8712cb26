package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/gameview/processing/internal/model"
)

// Artifact file names written by the reconstruction CLI.
const (
	sceneFile     = "scene.ply"
	sceneFallback = "output.ply"
	metadataFile  = "metadata.json"
	camerasFile   = "cameras.json"
	thumbnailFile = "thumbnail.jpg"
	framesDir     = "frames"
)

type artifact struct {
	local       string
	key         string
	contentType string
}

// sequenceMetadata is written for runs whose CLI did not leave metadata.
type sequenceMetadata struct {
	JobID      string  `json:"jobId"`
	Preset     string  `json:"preset"`
	Motion     bool    `json:"motion"`
	FrameCount int     `json:"frameCount,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// collectArtifacts finds the run's outputs in outDir. The returned list is
// in upload order: scene, metadata, thumbnail, then frames.
func collectArtifacts(job *model.Job, outDir string) ([]artifact, []artifact, error) {
	key := func(name string) string { return path.Join(job.ID, name) }

	scene := filepath.Join(outDir, sceneFile)
	if !exists(scene) {
		scene = filepath.Join(outDir, sceneFallback)
		if !exists(scene) {
			return nil, nil, fmt.Errorf("missing artifact %s", sceneFile)
		}
	}
	thumb := filepath.Join(outDir, thumbnailFile)
	if !exists(thumb) {
		return nil, nil, fmt.Errorf("missing artifact %s", thumbnailFile)
	}

	var frames []artifact
	if job.Settings.IsMotion() {
		matches, err := filepath.Glob(filepath.Join(outDir, framesDir, "frame_*.ply"))
		if err != nil {
			return nil, nil, err
		}
		if len(matches) == 0 {
			return nil, nil, errors.New("motion run produced no frames")
		}
		sort.Strings(matches)
		for _, m := range matches {
			frames = append(frames, artifact{
				local:       m,
				key:         key(path.Join(framesDir, filepath.Base(m))),
				contentType: "application/octet-stream",
			})
		}
	}

	meta := filepath.Join(outDir, metadataFile)
	metaName := metadataFile
	if !exists(meta) {
		cams := filepath.Join(outDir, camerasFile)
		if !job.Settings.IsMotion() && exists(cams) {
			meta, metaName = cams, camerasFile
		} else if err := writeMetadata(job, meta, len(frames)); err != nil {
			return nil, nil, err
		}
	}

	files := []artifact{
		{local: scene, key: key(sceneFile), contentType: "application/octet-stream"},
		{local: meta, key: key(metaName), contentType: "application/json"},
		{local: thumb, key: key(thumbnailFile), contentType: "image/jpeg"},
	}
	return files, frames, nil
}

func writeMetadata(job *model.Job, p string, frames int) error {
	m := sequenceMetadata{JobID: job.ID, Preset: string(job.Settings.Preset), Motion: job.Settings.IsMotion()}
	if m.Motion {
		m.FrameCount = frames
		m.FPS = job.Settings.Motion.FPS
		m.Duration = sequenceDuration(frames, m.FPS)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func sequenceDuration(frames int, fps float64) float64 {
	if fps <= 0 {
		return 0
	}
	return float64(frames) / fps
}

// upload stores the artifacts and returns the outputs with the uploaded
// keys. On error the keys uploaded so far are removed again.
func (w *PipelineWorker) upload(ctx context.Context, tr *tracker, job *model.Job, outDir string) (*model.Outputs, []string, error) {
	files, frames, err := collectArtifacts(job, outDir)
	if err != nil {
		return nil, nil, err
	}
	all := append(append([]artifact(nil), files...), frames...)

	urls := make([]string, 0, len(all))
	keys := make([]string, 0, len(all))
	for i, a := range all {
		u, err := w.put(ctx, a)
		if err != nil {
			w.discard(ctx, job.ID, keys)
			return nil, nil, fmt.Errorf("upload %s: %w", a.key, err)
		}
		urls = append(urls, u)
		keys = append(keys, a.key)
		if err := tr.report(ctx, model.StageUploading, model.UploadProgress(i+1, len(all)), ""); err != nil {
			w.discard(ctx, job.ID, keys)
			return nil, nil, err
		}
	}

	out := &model.Outputs{
		PlyURL:       urls[0],
		MetadataURL:  urls[1],
		ThumbnailURL: urls[2],
	}
	if job.Settings.IsMotion() {
		out.MotionEnabled = true
		out.FrameURLs = urls[len(files):]
		out.FrameCount = len(frames)
		out.FPS = job.Settings.Motion.FPS
		out.Duration = sequenceDuration(len(frames), out.FPS)
	}
	return out, keys, nil
}

// discard removes uploaded objects of an abandoned run.
func (w *PipelineWorker) discard(ctx context.Context, jobID string, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, k := range keys {
		if err := w.storage.Delete(ctx, k); err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{"job_id": jobID, "key": k}).Warn("failed to delete artifact")
		}
	}
}

func (w *PipelineWorker) put(ctx context.Context, a artifact) (string, error) {
	f, err := os.Open(a.local)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	return w.storage.Upload(ctx, a.key, f, info.Size(), a.contentType)
}
