package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/agentconfig"
	"github.com/visionsuit/gpu-agent/logger"
)

// Downloader is the slice of the object store client the loader needs.
type Downloader interface {
	Download(ctx context.Context, bucket, key, dest string) error
}

// Loader resolves a dispatch envelope's workflow reference into a graph
// document. Source precedence is inline, then local path, then object
// store key.
type Loader struct {
	store      Downloader
	log        logger.Logger
	scratchDir string
}

func NewLoader(l logger.Logger, store Downloader, paths agentconfig.Paths) *Loader {
	return &Loader{
		store:      store,
		log:        l,
		scratchDir: filepath.Join(paths.Workflows, "remote"),
	}
}

// Load fetches and parses the job's graph. The returned document is
// always a private copy the caller may mutate.
func (l *Loader) Load(ctx context.Context, job *api.DispatchEnvelope) (Document, error) {
	ref := job.Workflow

	switch {
	case ref.HasInline():
		l.log.Debug("Using inline workflow payload for job %s", job.JobID)
		return ParseDocument(ref.Inline)

	case ref.LocalPath != "":
		l.log.Debug("Loading workflow from local path %s", ref.LocalPath)
		data, err := os.ReadFile(ref.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("reading workflow %s: %w", ref.LocalPath, err)
		}
		return ParseDocument(data)

	case ref.MinioKey != "":
		bucket := ref.Bucket
		if bucket == "" {
			bucket = job.BaseModel.Bucket
		}
		scratch := filepath.Join(l.scratchDir, job.JobID+".json")
		l.log.Debug("Fetching workflow from s3://%s/%s", bucket, ref.MinioKey)
		if err := l.store.Download(ctx, bucket, ref.MinioKey, scratch); err != nil {
			return nil, fmt.Errorf("fetching workflow %s: %w", ref.MinioKey, err)
		}
		data, err := os.ReadFile(scratch)
		if err != nil {
			return nil, fmt.Errorf("reading fetched workflow %s: %w", scratch, err)
		}
		return ParseDocument(data)

	default:
		return nil, validationErrorf("workflow reference does not provide a valid source")
	}
}
