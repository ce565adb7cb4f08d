package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"storyForge/models"
	"storyForge/pipeline"
)

// SubtitlesExecutor transcribes the narration track into an SRT file.
type SubtitlesExecutor struct {
	client *openai.Client
	logger *zap.Logger
	root   string
}

func NewSubtitlesExecutor(client *openai.Client, logger *zap.Logger, root string) *SubtitlesExecutor {
	return &SubtitlesExecutor{client: client, logger: logger, root: root}
}

func (e *SubtitlesExecutor) Type() models.TaskType { return models.TypeSubtitles }

func (e *SubtitlesExecutor) Execute(ctx context.Context, task *models.Task, report pipeline.ProgressFunc) error {
	dir, err := projectDir(e.root, task.ProjectID)
	if err != nil {
		return err
	}

	audioPath := filepath.Join(dir, audioFile)
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("narration audio missing: %w", err)
	}
	report(10, models.ProgressDetails{})

	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatSRT,
	})
	if err != nil {
		return fmt.Errorf("transcribe narration: %w", err)
	}
	report(80, models.ProgressDetails{})

	outputPath := filepath.Join(dir, subtitlesFile)
	if err := os.WriteFile(outputPath, []byte(resp.Text), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", subtitlesFile, err)
	}
	report(100, models.ProgressDetails{})

	e.logger.Info("Subtitles extracted",
		zap.String("project_id", task.ProjectID),
		zap.String("path", outputPath),
	)
	return nil
}
