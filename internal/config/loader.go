package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

// Load reads a jobs file from the provided path.
func Load(path string) (*File, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs path: %w", err)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open jobs file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	var doc File
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	baseDir := filepath.Dir(absPath)
	if doc.Logging != nil && doc.Logging.Directory != "" {
		doc.Logging.Directory = resolveDir(baseDir, os.ExpandEnv(doc.Logging.Directory))
	}

	for name, job := range doc.Jobs {
		if job == nil {
			continue
		}
		for i, arg := range job.Command {
			job.Command[i] = os.ExpandEnv(arg)
		}
		job.ResolvedWorkdir = resolveDir(baseDir, os.ExpandEnv(job.Workdir))

		var inlineEnv map[string]string
		if len(job.Env) > 0 {
			inlineEnv = make(map[string]string, len(job.Env))
			for k, v := range job.Env {
				inlineEnv[k] = os.ExpandEnv(v)
			}
		}

		var fileEnv map[string]string
		if job.EnvFromFile != "" {
			expanded := os.ExpandEnv(job.EnvFromFile)
			if !filepath.IsAbs(expanded) {
				expanded = filepath.Clean(filepath.Join(job.ResolvedWorkdir, expanded))
			}
			job.EnvFromFile = expanded

			fileEnv, err = loadEnvFile(expanded)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", jobField(name, "envFromFile"), err)
			}
		}

		job.Env = mergeEnv(fileEnv, inlineEnv)
	}

	if err := doc.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}

func resolveDir(base, dir string) string {
	if dir == "" {
		return base
	}
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Clean(filepath.Join(base, dir))
}

// mergeEnv layers inline values over values loaded from an env file.
func mergeEnv(fileEnv, inlineEnv map[string]string) map[string]string {
	if len(fileEnv) == 0 && len(inlineEnv) == 0 {
		return nil
	}
	merged := make(map[string]string, len(fileEnv)+len(inlineEnv))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range inlineEnv {
		merged[k] = v
	}
	return merged
}

// loadEnvFile reads KEY=VALUE lines. Values may reference the environment or
// earlier keys with ${VAR}.
func loadEnvFile(path string) (map[string]string, error) {
	env, err := gotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return env, nil
}
