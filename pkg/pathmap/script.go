package pathmap

import (
	"context"
	"fmt"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

// ScriptRule evaluates a tengo script per URL. The script reads the global
// `url` and assigns the relative output path to the global `path`:
//
//	text := import("text")
//	if text.has_prefix(url, "https://mirror.example.org/") {
//	    path = text.trim_prefix(url, "https://mirror.example.org/")
//	}
//
// Leaving `path` empty means the rule does not match.
type ScriptRule struct {
	compiled *tengo.Compiled
}

// NewScriptRule compiles src once; each Map call runs a clone.
func NewScriptRule(src []byte) (*ScriptRule, error) {
	script := tengo.NewScript(src)
	script.SetImports(stdlib.GetModuleMap("text", "fmt"))

	if err := script.Add("url", ""); err != nil {
		return nil, fmt.Errorf("failed to add url to script: %w", err)
	}
	if err := script.Add("path", ""); err != nil {
		return nil, fmt.Errorf("failed to add path to script: %w", err)
	}

	compiled, err := script.Compile()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile mapping script")
	}
	return &ScriptRule{compiled: compiled}, nil
}

// Map implements Mapper.
func (r *ScriptRule) Map(ctx context.Context, rawURL string) (string, error) {
	run := r.compiled.Clone()
	if err := run.Set("url", rawURL); err != nil {
		return "", fmt.Errorf("failed to set url: %w", err)
	}
	if err := run.RunContext(ctx); err != nil {
		return "", errors.ErrMappingFailedWithURL(rawURL, "script error: "+err.Error())
	}

	out, ok := run.Get("path").Value().(string)
	if !ok {
		return "", errors.ErrMappingFailedWithURL(rawURL, "script assigned a non-string path")
	}
	if out == "" {
		return "", errors.ErrMappingFailedWithURL(rawURL, "script produced no path")
	}
	return Normalize(rawURL, out)
}
