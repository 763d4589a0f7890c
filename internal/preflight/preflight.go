package preflight

import (
	"context"

	"callsync/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every check that applies to cfg.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{CheckDirectoryAccess("State directory", cfg.Paths.StateDir)}

	for _, dir := range []struct{ name, path string }{
		{"Transcripts directory", cfg.Paths.TranscriptsDir},
		{"Leads directory", cfg.Paths.LeadsDir},
		{"Recordings directory", cfg.Paths.RecordingsDir},
	} {
		if dir.path != "" {
			results = append(results, CheckReadableDirectory(dir.name, dir.path))
		}
	}
	if cfg.Egress.WatchManifests {
		results = append(results, CheckReadableDirectory("Manifest directory", cfg.Egress.ManifestDir))
	}

	if cfg.CallData.UploadURL != "" {
		results = append(results, CheckEndpoint(ctx, "Call data API", cfg.CallData.UploadURL))
	}
	if cfg.ObjectStore.Backend == "http" && cfg.ObjectStore.UploadURL != "" {
		results = append(results, CheckEndpoint(ctx, "Object store", cfg.ObjectStore.UploadURL))
	}

	return results
}

// Failed filters results down to the failing checks.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
