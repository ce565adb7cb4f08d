package stages

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Per-project workspace layout. The brief and narration script are the
// caller's inputs; the other files are stage outputs consumed downstream.
const (
	briefFile     = "brief.txt"
	scriptFile    = "narration.txt"
	promptsFile   = "prompts.json"
	audioFile     = "narration.mp3"
	subtitlesFile = "narration.srt"
	imagesDir     = "images"
)

func projectDir(root, projectID string) (string, error) {
	dir := filepath.Join(root, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	return dir, nil
}

func readTextFile(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

func readPrompts(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, promptsFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", promptsFile, err)
	}
	var prompts []string
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", promptsFile, err)
	}
	return prompts, nil
}

func writePrompts(dir string, prompts []string) error {
	data, err := json.MarshalIndent(prompts, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, promptsFile), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", promptsFile, err)
	}
	return nil
}
