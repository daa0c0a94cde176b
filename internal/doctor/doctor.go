// Package doctor provides environment preflight checks for spmbridge.
package doctor

import (
	"fmt"
	"io"
	"os"

	"github.com/example/go-spmbridge/internal/model"
	"github.com/example/go-spmbridge/internal/tokenizer"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// InspectFunc reads model metadata from path.
type InspectFunc func(path string) (tokenizer.Info, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// ModelPath is the tokenizer model to check.
	ModelPath string
	// ModelSHA256 is the expected checksum. Empty skips the checksum check.
	ModelSHA256 string
	// Kind is the configured engine kind. "auto" or empty accepts any.
	Kind string
	// DataDir must be writable when set.
	DataDir string
	// Inspect defaults to tokenizer.Inspect.
	Inspect InspectFunc
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	inspect := cfg.Inspect
	if inspect == nil {
		inspect = tokenizer.Inspect
	}

	// ---- model file -------------------------------------------------------
	modelOK := checkModelFile(cfg.ModelPath, w, &res)

	// ---- model contents ---------------------------------------------------
	if modelOK {
		info, err := inspect(cfg.ModelPath)
		if err != nil {
			res.fail(fmt.Sprintf("model parse: %v", err))
			fmt.Fprintf(w, "%s model parse: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s model parse: %s, %d pieces (unk=%d bos=%d eos=%d)\n",
				PassMark, info.KindName, info.VocabSize, info.UnknownID, info.BOSID, info.EOSID)
			checkKind(cfg.Kind, info, w, &res)
		}
	}

	// ---- checksum ---------------------------------------------------------
	if cfg.ModelSHA256 == "" {
		fmt.Fprintf(w, "%s model checksum: skipped\n", PassMark)
	} else if modelOK {
		if err := model.Verify(cfg.ModelPath, cfg.ModelSHA256); err != nil {
			res.fail(fmt.Sprintf("model checksum: %v", err))
			fmt.Fprintf(w, "%s model checksum: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s model checksum: ok\n", PassMark)
		}
	}

	// ---- data dir ---------------------------------------------------------
	if cfg.DataDir != "" {
		if err := checkWritable(cfg.DataDir); err != nil {
			res.fail(fmt.Sprintf("data dir %q: %v", cfg.DataDir, err))
			fmt.Fprintf(w, "%s data dir %s: %v\n", FailMark, cfg.DataDir, err)
		} else {
			fmt.Fprintf(w, "%s data dir: %s\n", PassMark, cfg.DataDir)
		}
	}

	return res
}

func checkModelFile(path string, w io.Writer, res *Result) bool {
	if path == "" {
		res.fail("model file: no path configured")
		fmt.Fprintf(w, "%s model file: no path configured\n", FailMark)
		return false
	}

	st, err := os.Stat(path)
	switch {
	case err != nil:
		res.fail(fmt.Sprintf("model file %q: %v", path, err))
		fmt.Fprintf(w, "%s model file %s: not found\n", FailMark, path)
		return false
	case st.IsDir():
		res.fail(fmt.Sprintf("model file %q: is a directory", path))
		fmt.Fprintf(w, "%s model file %s: is a directory\n", FailMark, path)
		return false
	case st.Size() == 0:
		res.fail(fmt.Sprintf("model file %q: empty", path))
		fmt.Fprintf(w, "%s model file %s: empty\n", FailMark, path)
		return false
	}

	fmt.Fprintf(w, "%s model file: %s (%d bytes)\n", PassMark, path, st.Size())
	return true
}

func checkKind(want string, info tokenizer.Info, w io.Writer, res *Result) {
	kind, err := tokenizer.ParseKind(want)
	if err != nil {
		res.fail(fmt.Sprintf("engine kind: %v", err))
		fmt.Fprintf(w, "%s engine kind: %v\n", FailMark, err)
		return
	}
	if kind != tokenizer.KindAuto && kind != info.Kind {
		res.fail(fmt.Sprintf("engine kind: configured %s but model is %s", kind, info.Kind))
		fmt.Fprintf(w, "%s engine kind: configured %s, model is %s\n", FailMark, kind, info.Kind)
		return
	}
	fmt.Fprintf(w, "%s engine kind: %s\n", PassMark, info.Kind)
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
