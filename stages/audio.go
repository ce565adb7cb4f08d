package stages

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"storyForge/models"
	"storyForge/pipeline"
)

// AudioExecutor synthesizes the narration track from the project script.
// Speech synthesis is one opaque call, so progress is reported as direct
// percentage milestones rather than sub-unit counts.
type AudioExecutor struct {
	client *openai.Client
	logger *zap.Logger
	root   string
	voice  string
}

func NewAudioExecutor(client *openai.Client, logger *zap.Logger, root, voice string) *AudioExecutor {
	return &AudioExecutor{client: client, logger: logger, root: root, voice: voice}
}

func (e *AudioExecutor) Type() models.TaskType { return models.TypeAudio }

func (e *AudioExecutor) Execute(ctx context.Context, task *models.Task, report pipeline.ProgressFunc) error {
	dir, err := projectDir(e.root, task.ProjectID)
	if err != nil {
		return err
	}
	script, err := readTextFile(dir, scriptFile)
	if err != nil {
		return err
	}
	report(10, models.ProgressDetails{})

	resp, err := e.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model: openai.TTSModel1,
		Input: script,
		Voice: openai.SpeechVoice(e.voice),
	})
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}
	defer resp.Close()
	report(70, models.ProgressDetails{})

	outputPath := filepath.Join(dir, audioFile)
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", audioFile, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp); err != nil {
		return fmt.Errorf("write %s: %w", audioFile, err)
	}
	report(100, models.ProgressDetails{})

	e.logger.Info("Narration synthesized",
		zap.String("project_id", task.ProjectID),
		zap.String("path", outputPath),
	)
	return nil
}
