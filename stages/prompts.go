package stages

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"storyForge/models"
	"storyForge/pipeline"
)

const promptsSystemMessage = "You are a storyboard artist. For the given story brief, " +
	"write one self-contained image generation prompt per scene, one per line, " +
	"no numbering, no commentary."

// PromptsExecutor synthesizes scene prompts from the project brief in
// batches of chat completions and writes prompts.json for the images
// stage.
type PromptsExecutor struct {
	client    *openai.Client
	logger    *zap.Logger
	root      string
	model     string
	count     int
	batchSize int
}

func NewPromptsExecutor(client *openai.Client, logger *zap.Logger, root, model string, count, batchSize int) *PromptsExecutor {
	if count <= 0 {
		count = 10
	}
	if batchSize <= 0 || batchSize > count {
		batchSize = count
	}
	return &PromptsExecutor{
		client:    client,
		logger:    logger,
		root:      root,
		model:     model,
		count:     count,
		batchSize: batchSize,
	}
}

func (e *PromptsExecutor) Type() models.TaskType { return models.TypePrompts }

func (e *PromptsExecutor) Execute(ctx context.Context, task *models.Task, report pipeline.ProgressFunc) error {
	dir, err := projectDir(e.root, task.ProjectID)
	if err != nil {
		return err
	}
	brief, err := readTextFile(dir, briefFile)
	if err != nil {
		return err
	}

	batches := (e.count + e.batchSize - 1) / e.batchSize
	var prompts []string

	for batch := 0; batch < batches; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		want := e.batchSize
		if remaining := e.count - len(prompts); remaining < want {
			want = remaining
		}

		generated, err := e.generateBatch(ctx, brief, prompts, want)
		if err != nil {
			return fmt.Errorf("prompt batch %d/%d: %w", batch+1, batches, err)
		}
		prompts = append(prompts, generated...)
		if len(prompts) > e.count {
			prompts = prompts[:e.count]
		}

		report(pipeline.NormalizeProgress(len(prompts), e.count), models.ProgressDetails{
			Generated:  len(prompts),
			Total:      e.count,
			BatchIndex: batch + 1,
			BatchCount: batches,
		})
	}

	if err := writePrompts(dir, prompts); err != nil {
		return err
	}

	e.logger.Info("Prompts written",
		zap.String("project_id", task.ProjectID),
		zap.Int("count", len(prompts)),
	)
	return nil
}

func (e *PromptsExecutor) generateBatch(ctx context.Context, brief string, existing []string, want int) ([]string, error) {
	user := fmt.Sprintf("Story brief:\n%s\n\nWrite the next %d scene prompts.", brief, want)
	if len(existing) > 0 {
		user += fmt.Sprintf(" %d scenes are already covered; continue the story from there.", len(existing))
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: promptsSystemMessage},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion")
	}

	var prompts []string
	for _, line := range strings.Split(resp.Choices[0].Message.Content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			prompts = append(prompts, line)
		}
	}
	if len(prompts) > want {
		prompts = prompts[:want]
	}
	return prompts, nil
}
