package agent

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/visionsuit/gpu-agent/api"
	"github.com/visionsuit/gpu-agent/internal/assets"
	"github.com/visionsuit/gpu-agent/internal/objectstore"
	"github.com/visionsuit/gpu-agent/internal/renderer"
	"github.com/visionsuit/gpu-agent/internal/workflow"
)

// uploadConcurrency bounds parallel artifact uploads so a burst of outputs
// can't saturate the link to the object store.
const uploadConcurrency = 4

// UploadResult summarizes one artifact upload pass.
type UploadResult struct {
	// Uploaded lists the object keys written to the output bucket, in
	// artifact order.
	Uploaded []string

	// Missing lists source paths the renderer advertised but never wrote
	// to disk.
	Missing []string

	// Artifacts are the records reported on the completion callback.
	Artifacts []api.ArtifactRecord
}

// uploadOutputs copies the renderer's output images into the job's output
// bucket. Object keys are numbered by the artifact's position in the
// renderer's output listing, so a missing file leaves a visible gap instead
// of renumbering its successors.
func (r *Runner) uploadOutputs(
	ctx context.Context,
	job *api.DispatchEnvelope,
	outputs []renderer.OutputImage,
	base *assets.Resolved,
	loras []*assets.Resolved,
	params workflow.Context,
) (*UploadResult, error) {
	result := &UploadResult{}
	if len(outputs) == 0 {
		return result, nil
	}

	metadata := uploadMetadata(job, base, loras, params)
	seed := metadata["seed"]

	type slot struct {
		key      string
		artifact api.ArtifactRecord
	}
	slots := make([]*slot, len(outputs))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(uploadConcurrency)

	for index, image := range outputs {
		image := image
		source := filepath.Join(r.conf.Paths.Outputs, image.Subfolder, image.Filename)
		info, err := os.Stat(source)
		if err != nil {
			r.logger.Warn("Expected output missing: %s", source)
			result.Missing = append(result.Missing, source)
			continue
		}

		ext := filepath.Ext(image.Filename)
		if ext == "" {
			ext = ".png"
		}
		key := fmt.Sprintf("comfy-outputs/%s/%02d_%s%s", job.JobID, index+1, seed, ext)

		entry := &slot{key: key}
		slots[index] = entry
		size := info.Size()

		grp.Go(func() error {
			sum, err := objectstore.SHA256File(source)
			if err != nil {
				return err
			}

			meta := make(map[string]string, len(metadata)+2)
			for k, v := range metadata {
				meta[k] = v
			}
			meta["image_type"] = image.Type
			meta["sha256"] = sum

			if err := r.store.Upload(grpCtx, job.Output.Bucket, key, source, meta); err != nil {
				return err
			}
			r.logger.Info("Uploaded %s (%s) to s3://%s/%s",
				image.Filename, humanize.IBytes(uint64(size)), job.Output.Bucket, key)
			artifactBytes.Add(float64(size))

			absPath, err := filepath.Abs(source)
			if err != nil {
				absPath = source
			}
			entry.artifact = api.ArtifactRecord{
				NodeID:    image.NodeID,
				Filename:  image.Filename,
				Subfolder: image.Subfolder,
				RelPath:   relPath(image),
				AbsPath:   absPath,
				Mime:      imageMime(image.Filename),
				SHA256:    sum,
				SizeBytes: size,
				S3:        r.artifactLocation(job.Output.Bucket, key),
				Kind:      "image",
			}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, fmt.Errorf("uploading artifacts: %w", err)
	}

	for _, entry := range slots {
		if entry == nil {
			continue
		}
		result.Uploaded = append(result.Uploaded, entry.key)
		result.Artifacts = append(result.Artifacts, entry.artifact)
	}
	return result, nil
}

// uploadMetadata builds the object metadata shared by every artifact of a
// job. Values are strings because S3 user metadata travels in headers.
func uploadMetadata(job *api.DispatchEnvelope, base *assets.Resolved, loras []*assets.Resolved, params workflow.Context) map[string]string {
	seed := ""
	if v, ok := params["seed"].(int64); ok {
		seed = strconv.FormatInt(v, 10)
	} else if job.Parameters.Seed != nil {
		seed = strconv.FormatInt(*job.Parameters.Seed, 10)
	} else {
		seed = "0"
	}

	steps := ""
	if v, ok := params["steps"].(int); ok {
		steps = strconv.Itoa(v)
	} else if job.Parameters.Steps != nil {
		steps = strconv.Itoa(*job.Parameters.Steps)
	}

	loraNames, _ := params["loras"].([]string)
	if len(loraNames) == 0 {
		for _, entry := range loras {
			loraNames = append(loraNames, entry.ComfyName)
		}
	}

	return map[string]string{
		"prompt":          stringValue(params["prompt"], job.Parameters.Prompt),
		"negative_prompt": stringValue(params["negative_prompt"], job.Parameters.NegativePrompt),
		"seed":            seed,
		"steps":           steps,
		"user":            job.User.Username,
		"job_id":          job.JobID,
		"model":           base.ComfyName,
		"loras":           strings.Join(loraNames, ","),
	}
}

func relPath(image renderer.OutputImage) string {
	if image.Subfolder == "" {
		return image.Filename
	}
	return strings.TrimRight(image.Subfolder, "/") + "/" + image.Filename
}

func imageMime(filename string) string {
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	return "image/png"
}

// artifactLocation points a completion callback consumer at the uploaded
// object. The URL is omitted when no endpoint is configured, since the
// bucket and key still identify the object.
func (r *Runner) artifactLocation(bucket, key string) *api.ArtifactS3 {
	location := &api.ArtifactS3{Bucket: bucket, Key: key}
	endpoint := strings.TrimSpace(r.conf.Minio.Endpoint)
	if endpoint == "" {
		return location
	}
	base := objectstore.EndpointURL(endpoint, r.conf.Minio.Secure)
	location.URL = strings.TrimRight(base, "/") + "/" + bucket + "/" + key
	return location
}
