package trace

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// ArgvToken is replaced in the target argv with the input file path,
// following the AFL convention. Targets without it read input from stdin.
const ArgvToken = "@@"

// Adapter runs an external coverage tracer once per input file and parses
// the tuple map it emits (one "edge:bucket" line per tuple, afl-showmap
// style). The tracer owns the target's resource limits; the adapter only
// forwards them as flags.
type Adapter struct {
	TracerPath    string        // path to the tracer binary
	Target        []string      // target program argv, may contain ArgvToken
	Timeout       time.Duration // per-execution timeout, 0 means none
	MemoryLimitMB int           // forwarded to the tracer, 0 means none
	EdgeOnly      bool          // strip hit-count buckets from tuples
	Dict          *Dict         // shared tuple dictionary
}

// Trace executes the tracer against one input file and returns the observed
// tuple set. On invocation failure the partial tuple set captured before the
// failure is returned alongside the error; callers treat such traces as
// usable but must not abort the whole run.
func (a *Adapter) Trace(ctx context.Context, inputPath string) (*roaring.Bitmap, error) {
	mapFile, err := os.CreateTemp("", "seedmin-map-*")
	if err != nil {
		return roaring.New(), fmt.Errorf("failed to create trace map file: %w", err)
	}
	mapPath := mapFile.Name()
	mapFile.Close()
	defer os.Remove(mapPath)

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, a.TracerPath, a.buildArgs(mapPath, inputPath)...)
	if !containsToken(a.Target) {
		input, err := os.Open(inputPath)
		if err != nil {
			return roaring.New(), fmt.Errorf("failed to open input %s: %w", inputPath, err)
		}
		defer input.Close()
		cmd.Stdin = input
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	// Parse whatever the tracer managed to write; a crashed or timed out
	// target still leaves a usable partial map behind.
	bits, parseErr := parseMapFile(mapPath, a.EdgeOnly, a.Dict)
	if parseErr != nil {
		bits = roaring.New()
	}

	if runErr != nil {
		return bits, fmt.Errorf("tracer failed for %s: %w (stderr: %s)",
			inputPath, runErr, strings.TrimSpace(stderr.String()))
	}
	if parseErr != nil {
		return bits, fmt.Errorf("unreadable trace map for %s: %w", inputPath, parseErr)
	}
	return bits, nil
}

// buildArgs assembles the tracer argv: tracer flags, then "--", then the
// target argv with ArgvToken substituted.
func (a *Adapter) buildArgs(mapPath, inputPath string) []string {
	args := []string{"-q", "-o", mapPath}
	if a.Timeout > 0 {
		args = append(args, "-t", strconv.FormatInt(a.Timeout.Milliseconds(), 10))
	}
	if a.MemoryLimitMB > 0 {
		args = append(args, "-m", strconv.Itoa(a.MemoryLimitMB))
	}
	if a.EdgeOnly {
		args = append(args, "-e")
	}
	args = append(args, "--")
	for _, arg := range a.Target {
		if arg == ArgvToken {
			args = append(args, inputPath)
		} else {
			args = append(args, arg)
		}
	}
	return args
}

func containsToken(argv []string) bool {
	for _, arg := range argv {
		if arg == ArgvToken {
			return true
		}
	}
	return false
}

func parseMapFile(path string, edgeOnly bool, dict *Dict) (*roaring.Bitmap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTuples(f, edgeOnly, dict)
}

// ParseTuples reads one canonical tuple per line, interning each into the
// dictionary. In edge-only mode the ":bucket" suffix is discarded so inputs
// differing only in hit counts collapse onto the same tuple.
func ParseTuples(r io.Reader, edgeOnly bool, dict *Dict) (*roaring.Bitmap, error) {
	bits := roaring.New()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if edgeOnly {
			if idx := strings.IndexByte(line, ':'); idx >= 0 {
				line = line[:idx]
			}
		}
		bits.Add(dict.Intern(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return bits, nil
}

// LookupTracer resolves the tracer binary on PATH or as a direct path.
func LookupTracer(path string) (string, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("tracer binary not found: %w", err)
	}
	return resolved, nil
}
