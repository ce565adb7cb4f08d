package stages

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/panjf2000/ants/v2"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"storyForge/models"
	"storyForge/pipeline"
	"storyForge/validation"
)

// ImagesExecutor renders one image per scene prompt. Rendering fans out
// over an ants pool bounded by the intra-task worker ceiling; each image
// is signature-checked, fitted to the target frame, and saved as PNG.
type ImagesExecutor struct {
	client  *openai.Client
	logger  *zap.Logger
	root    string
	size    string
	width   int
	height  int
	workers int
}

func NewImagesExecutor(client *openai.Client, logger *zap.Logger, root, size string, width, height, workers int) *ImagesExecutor {
	if workers <= 0 {
		workers = 1
	}
	return &ImagesExecutor{
		client:  client,
		logger:  logger,
		root:    root,
		size:    size,
		width:   width,
		height:  height,
		workers: workers,
	}
}

func (e *ImagesExecutor) Type() models.TaskType { return models.TypeImages }

func (e *ImagesExecutor) Execute(ctx context.Context, task *models.Task, report pipeline.ProgressFunc) error {
	dir, err := projectDir(e.root, task.ProjectID)
	if err != nil {
		return err
	}
	prompts, err := readPrompts(dir)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		return fmt.Errorf("no prompts to render")
	}

	outDir := filepath.Join(dir, imagesDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create images dir: %w", err)
	}

	pool, err := ants.NewPool(e.workers, ants.WithOptions(ants.Options{
		PanicHandler: func(r any) {
			e.logger.Error("Image worker panic", zap.Any("panic", r))
		},
	}))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	total := len(prompts)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		done     int
		active   int
		firstErr error
	)
	progress := func() {
		report(pipeline.NormalizeProgress(done, total), models.ProgressDetails{
			Generated:     done,
			Total:         total,
			ActiveWorkers: active,
		})
	}

	for i, prompt := range prompts {
		if ctx.Err() != nil {
			break
		}

		index, scenePrompt := i, prompt
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()

			mu.Lock()
			if firstErr != nil || ctx.Err() != nil {
				mu.Unlock()
				return
			}
			active++
			progress()
			mu.Unlock()

			outputPath := filepath.Join(outDir, fmt.Sprintf("scene_%03d.png", index+1))
			renderErr := e.renderScene(ctx, scenePrompt, outputPath)

			mu.Lock()
			active--
			if renderErr != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("scene %d: %w", index+1, renderErr)
				}
			} else {
				done++
			}
			progress()
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("submit scene %d: %w", index+1, submitErr)
			}
			mu.Unlock()
			break
		}
	}
	wg.Wait()

	mu.Lock()
	err = firstErr
	mu.Unlock()
	if err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	e.logger.Info("Images rendered",
		zap.String("project_id", task.ProjectID),
		zap.Int("count", total),
	)
	return nil
}

func (e *ImagesExecutor) renderScene(ctx context.Context, prompt, outputPath string) error {
	resp, err := e.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		N:              1,
		Size:           e.size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return err
	}
	if len(resp.Data) == 0 {
		return fmt.Errorf("empty image response")
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	return e.processImage(data, outputPath)
}

// processImage verifies the payload is a real image, fits it into the
// target frame, and saves it as PNG.
func (e *ImagesExecutor) processImage(data []byte, outputPath string) error {
	if _, err := validation.DetectImageType(data); err != nil {
		return err
	}

	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	var out image.Image = src
	if e.width > 0 && e.height > 0 {
		out = imaging.Fit(src, e.width, e.height, imaging.Lanczos)
	}

	if err := imaging.Save(out, outputPath); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}
