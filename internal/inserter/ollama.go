package inserter

import (
	"context"

	"github.com/Plazide/local-ai-code-completion/internal/ollama"
)

// OllamaCompleter adapts an ollama.Client generate stream to Completer.
type OllamaCompleter struct {
	Client  *ollama.Client
	Model   ollama.ModelID
	Options ollama.GenerateOptions
}

func (c OllamaCompleter) Complete(ctx context.Context, req Request) (Stream, error) {
	s, err := c.Client.Generate(ctx, c.Model, req.Prompt, c.Options)
	if err != nil {
		return nil, err
	}
	return s, nil
}
