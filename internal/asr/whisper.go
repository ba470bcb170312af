package asr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/util"
)

// Printed on stdout for every recognized segment, e.g.
// [00:01:02.500 --> 00:01:05.120]  some text
var segmentLinePattern = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}[.,]\d{3} --> (\d{2}):(\d{2}):(\d{2})[.,](\d{3})\]`)

// Logged on stderr when the model detects the language itself, e.g.
// whisper_full_with_state: auto-detected language: en (p = 0.958940)
var detectedLanguagePattern = regexp.MustCompile(`auto-detected language: ([A-Za-z]+) \(p = ([0-9.]+)\)`)

// WhisperCLI runs whisper.cpp's command line frontend as a subprocess. It
// streams segment lines from stdout for live progress and reads the final
// transcript from the JSON file the tool writes.
type WhisperCLI struct {
	binary    string
	modelPath string
	noGPU     bool
	env       []string
	logger    *slog.Logger
}

// NewWhisperCLI resolves the whisper-cli binary and the model file. Model
// names are expanded to ggml-<name>.bin under the configured model directory;
// values containing a path separator or a .bin suffix are used verbatim.
func NewWhisperCLI(cfg config.ASRConfig, logger *slog.Logger) (*WhisperCLI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	binary := cfg.Binary
	if binary == "" {
		found, err := util.FindBinary("whisper-cli", "SCRIBARR_WHISPER_BINARY")
		if err != nil {
			return nil, err
		}
		binary = found
	}
	modelPath := resolveModelPath(cfg.Model, cfg.ModelDir)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper model %s: %w", modelPath, err)
	}
	return &WhisperCLI{
		binary:    binary,
		modelPath: modelPath,
		noGPU:     strings.EqualFold(cfg.Acceleration, "cpu"),
		logger:    logger.With("component", "whisper"),
	}, nil
}

// WithEnv returns a copy of the engine whose subprocess runs with the extra
// environment variables appended. Used to pin a CUDA device per run, e.g.
// CUDA_VISIBLE_DEVICES=1.
func (w *WhisperCLI) WithEnv(env ...string) *WhisperCLI {
	clone := *w
	clone.env = append(append([]string(nil), w.env...), env...)
	return &clone
}

func resolveModelPath(model, modelDir string) string {
	if model == "" {
		model = "medium"
	}
	if strings.ContainsAny(model, `/\`) || strings.HasSuffix(model, ".bin") {
		return model
	}
	if modelDir == "" {
		modelDir = "models"
	}
	return filepath.Join(modelDir, "ggml-"+model+".bin")
}

// Transcribe runs the recognizer over one WAV file. Timestamps in the result
// are relative to the start of that file.
func (w *WhisperCLI) Transcribe(ctx context.Context, wavPath string, language string, progress ProgressFunc) (*Result, error) {
	if _, err := os.Stat(wavPath); err != nil {
		return nil, fmt.Errorf("audio file: %w", err)
	}
	outDir, err := os.MkdirTemp("", "scribarr-whisper-*")
	if err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	defer os.RemoveAll(outDir)
	outPrefix := filepath.Join(outDir, "transcript")

	args := []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", normalizeLanguage(language),
		"-oj",
		"-of", outPrefix,
	}
	if w.noGPU {
		args = append(args, "--no-gpu")
	}

	cmd := exec.CommandContext(ctx, w.binary, args...)
	if len(w.env) > 0 {
		cmd.Env = append(os.Environ(), w.env...)
	}
	var stderr util.TailBuffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting whisper-cli: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if end, ok := parseSegmentEnd(scanner.Text()); ok && progress != nil {
			progress(end)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("whisper-cli failed: %s", util.LastLine(stderr.String()))
	}

	data, err := os.ReadFile(outPrefix + ".json")
	if err != nil {
		return nil, fmt.Errorf("reading transcript output: %w", err)
	}
	result, err := parseWhisperJSON(data)
	if err != nil {
		return nil, err
	}
	if lang, prob, ok := parseDetectedLanguage(stderr.String()); ok {
		if result.Language == "" {
			result.Language = lang
		}
		result.LanguageProbability = prob
	}
	if result.Language == "" {
		result.Language = languageOrUnknown(language)
	}
	return result, nil
}

// normalizeLanguage maps empty and sentinel values onto whisper's auto
// detection mode.
func normalizeLanguage(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", "auto", "unknown":
		return "auto"
	default:
		return strings.ToLower(strings.TrimSpace(language))
	}
}

func parseSegmentEnd(line string) (float64, bool) {
	m := segmentLinePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])
	millis, _ := strconv.Atoi(m[4])
	return float64(hours)*3600 + float64(minutes)*60 + float64(seconds) + float64(millis)/1000, true
}

func parseDetectedLanguage(stderr string) (string, float64, bool) {
	m := detectedLanguagePattern.FindStringSubmatch(stderr)
	if m == nil {
		return "", 0, false
	}
	prob, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return "", 0, false
	}
	return strings.ToLower(m[1]), prob, true
}

// whisperOutput mirrors the JSON file written by whisper-cli -oj. Offsets are
// milliseconds from the start of the input file.
type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseWhisperJSON(data []byte) (*Result, error) {
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing transcript output: %w", err)
	}
	result := &Result{Language: out.Result.Language}
	var parts []string
	for _, entry := range out.Transcription {
		text := strings.TrimSpace(entry.Text)
		if text == "" {
			continue
		}
		result.Segments = append(result.Segments, Segment{
			Start: float64(entry.Offsets.From) / 1000,
			End:   float64(entry.Offsets.To) / 1000,
			Text:  text,
		})
		parts = append(parts, text)
	}
	result.Text = strings.Join(parts, " ")
	return result, nil
}
